package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DeviceCodeGrantType is the RFC 8628 grant type.
	DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultDeviceInterval is used when the server omits interval.
	DefaultDeviceInterval = 5 * time.Second

	// DefaultDeviceMaxWait bounds polling independently of the device
	// code's own expires_in.
	DefaultDeviceMaxWait = 15 * time.Minute
)

// PollStatus classifies one device-code poll.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollSlowDown  PollStatus = "slow_down"
	PollExpired   PollStatus = "expired"
	PollDenied    PollStatus = "denied"
	PollFailed    PollStatus = "failed"
	PollSuccess   PollStatus = "success"
	PollCancelled PollStatus = "cancelled"
)

// Terminal reports whether polling must stop. PollFailed is terminal only
// when the poller does not tolerate failed attempts.
func (s PollStatus) Terminal() bool {
	switch s {
	case PollExpired, PollDenied, PollSuccess, PollCancelled:
		return true
	}
	return false
}

// PollResult is the outcome of one poll.
type PollResult struct {
	Status PollStatus

	// Result is set when Status is PollSuccess, and carries the failure
	// reason otherwise.
	Result Result
}

// Reason returns the failure reason, if any.
func (r PollResult) Reason() string {
	return r.Result.Reason
}

// DeviceConfig describes a device-code provider.
type DeviceConfig struct {
	ClientID      string
	DeviceCodeURL string
	TokenURL      string
	Scope         string

	// UsePKCE sends a code_challenge with the device code request and the
	// verifier with every poll.
	UsePKCE bool

	Encoding Encoding
	Headers  map[string]string

	// Accept maps a successful token response. The default requires
	// access_token, expires_in and refresh_token.
	Accept func(tok *TokenResponse, now time.Time) Result

	// Backoff returns the next interval after slow_down. The default adds
	// five seconds.
	Backoff func(current time.Duration) time.Duration

	// MaxWait caps total polling time. Zero means DefaultDeviceMaxWait.
	MaxWait time.Duration

	// DefaultInterval is used when the server omits interval. Zero means
	// DefaultDeviceInterval.
	DefaultInterval time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

func (c *DeviceConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// DeviceCodeResponse is the device authorization response (RFC 8628 3.2).
type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// DeviceSession is an issued device code awaiting user approval.
type DeviceSession struct {
	cfg  DeviceConfig
	pkce *PKCE

	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string

	// Interval is the server-advertised polling interval.
	Interval time.Duration

	// Deadline is the earlier of the device code expiry and MaxWait.
	Deadline time.Time
}

// RequestDeviceCode asks the device authorization endpoint for a code.
func RequestDeviceCode(ctx context.Context, cfg DeviceConfig) (*DeviceSession, error) {
	params := url.Values{"client_id": {cfg.ClientID}}
	if cfg.Scope != "" {
		params.Set("scope", cfg.Scope)
	}

	var pkce *PKCE
	if cfg.UsePKCE {
		pkce = NewPKCE()
		params.Set("code_challenge", pkce.Challenge)
		params.Set("code_challenge_method", pkce.Method)
	}

	reply, err := doTokenRequest(ctx, tokenRequest{
		Endpoint: cfg.DeviceCodeURL,
		Params:   params,
		Encoding: cfg.Encoding,
		Headers:  cfg.Headers,
		Client:   cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	if !reply.ok() {
		return nil, fmt.Errorf("device authorization: %s", reply.describe())
	}

	var dc DeviceCodeResponse
	if err := json.Unmarshal(reply.Body, &dc); err != nil {
		return nil, fmt.Errorf("device authorization: parse response: %w", err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.VerificationURI == "" {
		return nil, errors.New("device authorization: response missing device_code, user_code or verification_uri")
	}

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = cfg.DefaultInterval
	}
	if interval <= 0 {
		interval = DefaultDeviceInterval
	}

	start := cfg.now()
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultDeviceMaxWait
	}
	deadline := start.Add(maxWait)
	if dc.ExpiresIn > 0 {
		if exp := start.Add(time.Duration(dc.ExpiresIn) * time.Second); exp.Before(deadline) {
			deadline = exp
		}
	}

	return &DeviceSession{
		cfg:                     cfg,
		pkce:                    pkce,
		DeviceCode:              dc.DeviceCode,
		UserCode:                dc.UserCode,
		VerificationURI:         dc.VerificationURI,
		VerificationURIComplete: dc.VerificationURIComplete,
		Interval:                interval,
		Deadline:                deadline,
	}, nil
}

// URL returns the complete verification URL when available.
func (s *DeviceSession) URL() string {
	if s.VerificationURIComplete != "" {
		return s.VerificationURIComplete
	}
	return s.VerificationURI
}

// Poll performs exactly one token request. It never sleeps.
func (s *DeviceSession) Poll(ctx context.Context) PollResult {
	now := s.cfg.now()
	if !now.Before(s.Deadline) {
		return PollResult{Status: PollExpired, Result: Failed("device code expired")}
	}

	params := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"client_id":   {s.cfg.ClientID},
		"device_code": {s.DeviceCode},
	}
	if s.pkce != nil {
		params.Set("code_verifier", s.pkce.Verifier)
	}

	reply, err := doTokenRequest(ctx, tokenRequest{
		Endpoint: s.cfg.TokenURL,
		Params:   params,
		Encoding: s.cfg.Encoding,
		Headers:  s.cfg.Headers,
		Client:   s.cfg.HTTPClient,
	})
	if err != nil {
		if ctx.Err() != nil {
			return PollResult{Status: PollCancelled, Result: Failed("cancelled")}
		}
		return PollResult{Status: PollFailed, Result: Failed("poll failed: %v", err)}
	}
	if reply.Token == nil {
		return PollResult{Status: PollFailed, Result: Failed("poll failed: %s", reply.describe())}
	}

	tok := reply.Token
	if tok.Error != "" {
		return classifyPollError(tok)
	}
	if tok.AccessToken == "" {
		return PollResult{Status: PollFailed, Result: Failed("poll failed: %s", reply.describe())}
	}

	accept := s.cfg.Accept
	if accept == nil {
		accept = acceptStrict
	}
	res := accept(tok, now)
	if !res.OK() {
		return PollResult{Status: PollFailed, Result: res}
	}
	return PollResult{Status: PollSuccess, Result: res}
}

func acceptStrict(tok *TokenResponse, now time.Time) Result {
	if err := tok.Validate(false); err != nil {
		return Failed("invalid token response: %v", err)
	}
	return tok.Result(now, "")
}

func classifyPollError(tok *TokenResponse) PollResult {
	reason := tok.Error
	if tok.ErrorDescription != "" {
		reason = tok.Error + ": " + tok.ErrorDescription
	}
	switch tok.Error {
	case "authorization_pending":
		return PollResult{Status: PollPending}
	case "slow_down":
		return PollResult{Status: PollSlowDown}
	case "expired_token":
		return PollResult{Status: PollExpired, Result: Failed("device code expired")}
	case "access_denied":
		return PollResult{Status: PollDenied, Result: Failed("authorization denied")}
	default:
		return PollResult{Status: PollFailed, Result: Failed("%s", reason)}
	}
}

// Poller is the explicit poll state machine over a DeviceSession. The
// caller schedules each Step; Wait is a convenience driver.
type Poller struct {
	session          *DeviceSession
	interval         time.Duration
	tolerateFailures bool
	last             PollResult
	done             bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithTolerateFailures keeps polling after failed attempts (network
// errors, unknown error codes) until the session deadline.
func WithTolerateFailures() PollerOption {
	return func(p *Poller) { p.tolerateFailures = true }
}

// NewPoller creates a poller starting at the session's interval.
func NewPoller(s *DeviceSession, opts ...PollerOption) *Poller {
	p := &Poller{session: s, interval: s.Interval}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval is the delay the caller should wait before the next Step.
func (p *Poller) Interval() time.Duration { return p.interval }

// Done reports whether a terminal result has been reached.
func (p *Poller) Done() bool { return p.done }

// Last returns the most recent result.
func (p *Poller) Last() PollResult { return p.last }

// Step polls once, updates the interval and returns the result. Calling
// Step after Done returns the terminal result again without a request.
func (p *Poller) Step(ctx context.Context) PollResult {
	if p.done {
		return p.last
	}

	res := p.session.Poll(ctx)
	switch res.Status {
	case PollSlowDown:
		backoff := p.session.cfg.Backoff
		if backoff == nil {
			backoff = func(d time.Duration) time.Duration { return d + 5*time.Second }
		}
		p.interval = backoff(p.interval)
	case PollFailed:
		if !p.tolerateFailures {
			p.done = true
		}
	}
	if res.Status.Terminal() {
		p.done = true
	}
	p.last = res
	return res
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait sleeps one interval before each Step until a terminal result or
// cancellation.
func (p *Poller) Wait(ctx context.Context, sleep SleepFunc) PollResult {
	if sleep == nil {
		sleep = Sleep
	}
	for !p.done {
		if err := sleep(ctx, p.interval); err != nil {
			p.done = true
			p.last = PollResult{Status: PollCancelled, Result: Failed("cancelled")}
			break
		}
		p.Step(ctx)
	}
	return p.last
}

// AppendQueryParam adds key=value to rawURL when key is not already set.
func AppendQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has(key) {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
