// Package rotation spreads requests across the accounts stored for one
// base provider.
package rotation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/arctic-cli/arctic/internal/auth"
)

// ErrAccountsExhausted is returned by SwitchNext when moving on would wrap
// back to the first account.
var ErrAccountsExhausted = errors.New("no further accounts")

// Switch describes a cursor move.
type Switch struct {
	From     string
	To       string
	FromName string
	ToName   string
}

// Rotator owns the per-provider cursors. Cursors live in memory only.
//
// Account enumeration happens outside the lock, so two concurrent calls
// may rotate from the same starting point; the last write wins.
type Rotator struct {
	store  auth.Store
	mode   func() Mode
	logger *slog.Logger

	mu          sync.Mutex
	cursor      map[string]int
	initialized map[string]bool
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithModeFunc sets where the rotation mode is read from. It is consulted
// on every call so configuration changes apply immediately.
func WithModeFunc(f func() Mode) Option {
	return func(r *Rotator) { r.mode = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rotator) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a rotator over store.
func New(store auth.Store, opts ...Option) *Rotator {
	r := &Rotator{
		store:       store,
		mode:        func() Mode { return DefaultMode },
		logger:      slog.Default(),
		cursor:      make(map[string]int),
		initialized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the active rotation mode.
func (r *Rotator) Mode() Mode {
	if m := r.mode(); m != "" {
		return m
	}
	return DefaultMode
}

// Accounts lists the provider keys in rotation order for the base of key:
// the primary first when it is stored, then every connection in discovery
// order.
func (r *Rotator) Accounts(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := auth.BaseOf(key)
	conns, err := r.store.ListConnections(base)
	if err != nil {
		return nil, err
	}

	if len(conns) == 1 && conns[0].Connection == "" {
		return []string{base}, nil
	}

	var accounts []string
	for _, c := range conns {
		if c.Connection == "" {
			accounts = append(accounts, base)
			break
		}
	}
	for _, c := range conns {
		if c.Connection != "" {
			accounts = append(accounts, c.Key)
		}
	}
	r.logger.Debug("rotation accounts", slog.String("provider", base), slog.Any("accounts", accounts))
	return accounts, nil
}

// HasMultiple reports whether rotation applies to key's provider.
func (r *Rotator) HasMultiple(ctx context.Context, key string) (bool, error) {
	accounts, err := r.Accounts(ctx, key)
	if err != nil {
		return false, err
	}
	return len(accounts) > 1, nil
}

// Current returns the account to use for key. With a single account key is
// returned unchanged. The first call for a provider seeds the cursor: to
// the named connection when key carries one, else to the primary. After
// that the cursor alone decides.
func (r *Rotator) Current(ctx context.Context, key string) (string, error) {
	accounts, err := r.Accounts(ctx, key)
	if err != nil {
		return "", err
	}
	if len(accounts) <= 1 {
		return key, nil
	}
	base := auth.BaseOf(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized[base] {
		r.initialized[base] = true
		if !auth.ParseKey(key).IsPrimary() {
			if idx := slices.Index(accounts, key); idx >= 0 {
				r.cursor[base] = idx
				r.logger.Debug("rotation seeded from selection", slog.String("provider", base), slog.Int("cursor", idx))
				return key, nil
			}
		}
		if _, ok := r.cursor[base]; !ok {
			r.cursor[base] = 0
		}
	}

	return accounts[r.clamp(base, len(accounts))], nil
}

// AccountDisplayName returns the display name of the account Current
// selects, or "" when the provider has a single account.
func (r *Rotator) AccountDisplayName(ctx context.Context, key string) (string, error) {
	multi, err := r.HasMultiple(ctx, key)
	if err != nil || !multi {
		return "", err
	}
	cur, err := r.Current(ctx, key)
	if err != nil {
		return "", err
	}
	return auth.ParseKey(cur).DisplayName(), nil
}

// Rotate advances the cursor by one with wraparound. It returns nil when
// the provider has a single account.
func (r *Rotator) Rotate(ctx context.Context, key string) (*Switch, error) {
	accounts, err := r.Accounts(ctx, key)
	if err != nil || len(accounts) <= 1 {
		return nil, err
	}
	base := auth.BaseOf(key)

	r.mu.Lock()
	from := r.clamp(base, len(accounts))
	to := (from + 1) % len(accounts)
	r.cursor[base] = to
	r.initialized[base] = true
	r.mu.Unlock()

	sw := newSwitch(accounts[from], accounts[to])
	r.logger.Info("rotated account",
		slog.String("provider", base),
		slog.String("from", sw.FromName),
		slog.String("to", sw.ToName),
		slog.Int("cursor", to))
	return sw, nil
}

// SwitchNext moves to the next account after a failure. It returns
// ErrAccountsExhausted instead of wrapping back to the first account, and
// also when the provider has a single account.
func (r *Rotator) SwitchNext(ctx context.Context, key string) (*Switch, error) {
	accounts, err := r.Accounts(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(accounts) <= 1 {
		return nil, ErrAccountsExhausted
	}
	base := auth.BaseOf(key)

	r.mu.Lock()
	from := r.clamp(base, len(accounts))
	to := (from + 1) % len(accounts)
	if to == 0 {
		r.mu.Unlock()
		return nil, ErrAccountsExhausted
	}
	r.cursor[base] = to
	r.initialized[base] = true
	r.mu.Unlock()

	sw := newSwitch(accounts[from], accounts[to])
	r.logger.Info("switched account",
		slog.String("provider", base),
		slog.String("from", sw.FromName),
		slog.String("to", sw.ToName))
	return sw, nil
}

// Advance moves the cursor according to the active mode: Rotate for
// round-robin, SwitchNext for fill-first.
func (r *Rotator) Advance(ctx context.Context, key string) (*Switch, error) {
	if r.Mode() == RoundRobin {
		return r.Rotate(ctx, key)
	}
	return r.SwitchNext(ctx, key)
}

// BeginRequest is called at the start of every top-level request. It
// rotates in round-robin mode and does nothing otherwise.
func (r *Rotator) BeginRequest(ctx context.Context, key string) (*Switch, error) {
	if r.Mode() != RoundRobin {
		return nil, nil
	}
	return r.Rotate(ctx, key)
}

// Reset forgets the cursor for key's provider.
func (r *Rotator) Reset(key string) {
	base := auth.BaseOf(key)
	r.mu.Lock()
	delete(r.cursor, base)
	delete(r.initialized, base)
	r.mu.Unlock()
}

// clamp returns a valid cursor for n accounts. Callers hold mu.
func (r *Rotator) clamp(base string, n int) int {
	idx := r.cursor[base]
	if idx < 0 || idx >= n {
		idx = 0
		r.cursor[base] = 0
	}
	return idx
}

func newSwitch(from, to string) *Switch {
	return &Switch{
		From:     from,
		To:       to,
		FromName: auth.ParseKey(from).DisplayName(),
		ToName:   auth.ParseKey(to).DisplayName(),
	}
}
