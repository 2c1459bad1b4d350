package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/oauth"
)

// DefaultRefreshBuffer is how long before expiry a credential counts as
// stale.
const DefaultRefreshBuffer = 5 * time.Minute

// ErrAuthRequired means the account must sign in again.
var ErrAuthRequired = errors.New("authentication required")

// AuthRequiredError names the account and why it needs to sign in.
type AuthRequiredError struct {
	Key    string
	Reason string
}

func (e *AuthRequiredError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Key, ErrAuthRequired)
	}
	return fmt.Sprintf("%s: %s: %s", e.Key, ErrAuthRequired, e.Reason)
}

func (e *AuthRequiredError) Unwrap() error { return ErrAuthRequired }

// Refresher keeps stored credentials fresh. Concurrent refreshes of the same
// key share one token request.
type Refresher struct {
	store    auth.Store
	registry *Registry
	buffer   time.Duration
	now      func() time.Time
	client   *http.Client
	bus      *events.Bus
	logger   *slog.Logger

	group singleflight.Group
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithBuffer sets the staleness lead time.
func WithBuffer(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d >= 0 {
			r.buffer = d
		}
	}
}

// WithNow overrides time.Now.
func WithNow(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithHTTPClient sets the client used for refresh grants.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithEvents publishes a CredentialRefreshedEvent after each refresh.
func WithEvents(bus *events.Bus) RefresherOption {
	return func(r *Refresher) { r.bus = bus }
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRefresher creates a refresher.
func NewRefresher(store auth.Store, registry *Registry, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:    store,
		registry: registry,
		buffer:   DefaultRefreshBuffer,
		now:      time.Now,
		client:   &http.Client{Timeout: oauth.DefaultTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureFresh returns a usable access token for key, refreshing and
// storing a new credential first when the current one is stale.
func (r *Refresher) EnsureFresh(ctx context.Context, key string) (string, error) {
	cred, err := r.Fresh(ctx, key)
	if err != nil {
		return "", err
	}
	return cred.Access, nil
}

// Fresh is EnsureFresh returning the whole credential.
func (r *Refresher) Fresh(ctx context.Context, key string) (*auth.Credential, error) {
	cred, err := r.load(key)
	if err != nil {
		return nil, err
	}
	if !cred.IsStale(r.now(), r.buffer) {
		return cred, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// the shared refresh outlives any one caller; the client timeout bounds it
	ch := r.group.DoChan(key, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.logger.Debug("joined in-flight refresh", slog.String("provider", key))
		}
		return res.Val.(*auth.Credential).Clone(), nil
	}
}

func (r *Refresher) load(key string) (*auth.Credential, error) {
	cred, err := r.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", key, err)
	}
	if cred == nil {
		return nil, &AuthRequiredError{Key: key, Reason: "not signed in"}
	}
	return cred, nil
}

func (r *Refresher) refresh(ctx context.Context, key string) (*auth.Credential, error) {
	// another flight may have finished between our read and this one
	cred, err := r.load(key)
	if err != nil {
		return nil, err
	}
	if !cred.IsStale(r.now(), r.buffer) {
		return cred, nil
	}

	def, err := r.registry.Lookup(key)
	if err != nil {
		return nil, err
	}
	if def.Refresh == nil {
		return nil, &AuthRequiredError{Key: key, Reason: "credential expired and provider cannot refresh"}
	}
	if cred.Refresh == "" {
		return nil, &AuthRequiredError{Key: key, Reason: "no refresh token"}
	}

	res := def.Refresh(ctx, r.client, cred)
	if !res.OK() {
		r.logger.Warn("token refresh failed", slog.String("provider", key), slog.String("reason", res.Reason))
		return nil, &AuthRequiredError{Key: key, Reason: res.Reason}
	}

	next := &auth.Credential{
		Type:    auth.TypeOAuth,
		Access:  res.Access,
		Refresh: res.Refresh,
		Expires: res.Expires,
		Extra:   mergeExtra(cred.Extra, res.Extra),
	}
	if next.Refresh == "" {
		next.Refresh = cred.Refresh
	}
	if err := r.store.Set(key, next); err != nil {
		return nil, fmt.Errorf("store refreshed credential %s: %w", key, err)
	}

	r.logger.Info("refreshed credential", slog.String("provider", key), slog.Time("expires", next.ExpiresAt()))
	r.bus.Publish(events.NewCredentialRefreshedEvent(key, next.Expires))
	return next, nil
}

func mergeExtra(prev, next map[string]string) map[string]string {
	if len(prev) == 0 && len(next) == 0 {
		return nil
	}
	out := make(map[string]string, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}
