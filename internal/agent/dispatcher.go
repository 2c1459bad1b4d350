// Package agent sends top-level provider requests for a session, choosing
// the account through the rotator and reporting progress on the status bus.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/clierrors"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/provider"
	"github.com/arctic-cli/arctic/internal/rotation"
)

// Request is a provider API call. Path is resolved against the provider's
// API base. The body is kept so the call can be replayed on another
// account.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
		if r.Body != nil {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Result is a completed call. Account is the key the response was
// obtained with.
type Result struct {
	Account  string
	Response *http.Response
	Attempts int
}

// Dispatcher glues the rotator, the provider proxy and the status store.
type Dispatcher struct {
	rotator  *rotation.Rotator
	proxy    *provider.Proxy
	statuses *events.StatusStore
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus publishes account switch events on bus.
func WithBus(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. statuses may be nil.
func New(rotator *rotation.Rotator, proxy *provider.Proxy, statuses *events.StatusStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rotator:  rotator,
		proxy:    proxy,
		statuses: statuses,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send performs req as key on behalf of sessionID. In round-robin mode the
// account rotates before the call. In fill-first mode an account that
// needs re-authentication, or answers 401, 403 or 429, is replaced by the
// next one and the call is replayed; once every account has been tried
// the result is a clierrors.AccountsExhausted error.
//
// The session is busy while Send runs and idle afterwards.
func (d *Dispatcher) Send(ctx context.Context, sessionID, key string, req Request) (*Result, error) {
	d.setStatus(sessionID, events.Busy())
	defer d.setStatus(sessionID, events.Idle())

	sw, err := d.rotator.BeginRequest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rotate %s: %w", key, err)
	}
	if sw != nil {
		d.switched(sessionID, sw)
	}

	account, err := d.rotator.Current(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("select account for %s: %w", key, err)
	}

	for attempt := 1; ; attempt++ {
		httpReq, err := req.build(ctx)
		if err != nil {
			return nil, err
		}

		logger := d.logger.With(slog.String("session", sessionID), slog.String("account", account))
		logger.Debug("sending request", slog.String("method", httpReq.Method), slog.String("path", req.Path), slog.Int("attempt", attempt))

		resp, err := d.proxy.Do(ctx, account, httpReq)
		reason, retryable := failoverReason(resp, err)
		if !retryable {
			if err != nil {
				return nil, err
			}
			return &Result{Account: account, Response: resp, Attempts: attempt}, nil
		}
		if d.rotator.Mode() != rotation.FillFirst {
			return d.giveUp(account, resp, err, attempt)
		}

		multi, merr := d.rotator.HasMultiple(ctx, key)
		if merr != nil || !multi {
			return d.giveUp(account, resp, err, attempt)
		}

		sw, serr := d.rotator.SwitchNext(ctx, key)
		if errors.Is(serr, rotation.ErrAccountsExhausted) {
			drain(resp)
			cause := err
			if cause == nil {
				cause = fmt.Errorf("%s: %s", account, reason)
			}
			logger.Warn("all accounts exhausted", slog.String("reason", reason))
			return nil, clierrors.AccountsExhausted(auth.BaseOf(key), cause)
		}
		if serr != nil {
			drain(resp)
			return nil, fmt.Errorf("switch account for %s: %w", key, serr)
		}
		drain(resp)

		logger.Info("account failed, switching", slog.String("reason", reason), slog.String("to", sw.ToName))
		d.setStatus(sessionID, events.Retry(attempt, reason, d.now()))
		d.switched(sessionID, sw)
		d.setStatus(sessionID, events.Busy())
		account = sw.To
	}
}

// giveUp returns the failed outcome of the last attempt unchanged, except
// that a refresh failure becomes a re-authentication error.
func (d *Dispatcher) giveUp(account string, resp *http.Response, err error, attempt int) (*Result, error) {
	if err != nil {
		if errors.Is(err, provider.ErrAuthRequired) {
			return nil, clierrors.AuthRequired(account, err)
		}
		return nil, err
	}
	return &Result{Account: account, Response: resp, Attempts: attempt}, nil
}

func (d *Dispatcher) switched(sessionID string, sw *rotation.Switch) {
	d.setStatus(sessionID, events.AccountSwitched(sw.FromName, sw.ToName))
	d.bus.Publish(events.NewAccountSwitchedEvent(sessionID, sw.From, sw.To, sw.FromName, sw.ToName, d.now()))
}

func (d *Dispatcher) setStatus(sessionID string, st events.SessionStatus) {
	if d.statuses != nil {
		d.statuses.Set(sessionID, st)
	}
}

// failoverReason reports whether the outcome should move to another
// account, and why.
func failoverReason(resp *http.Response, err error) (string, bool) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", false
		}
		if errors.Is(err, provider.ErrAuthRequired) {
			return "authentication required", true
		}
		return "", false
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("unauthorized (%d)", resp.StatusCode), true
	case http.StatusTooManyRequests:
		return "rate limited", true
	}
	return "", false
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
