package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arctic-cli/arctic/internal/auth"
	"github.com/arctic-cli/arctic/internal/config"
	"github.com/arctic-cli/arctic/internal/events"
	"github.com/arctic-cli/arctic/internal/oauth"
)

// Supervisor owns one state machine per configured tool server. Failed
// servers are only retried when the operator asks.
type Supervisor struct {
	store  auth.MCPStore
	dialer Dialer
	bus    *events.Bus
	logger *slog.Logger

	httpClient    *http.Client
	callbackPort  int
	openURL       func(string) error
	onURL         func(name, url string)
	now           func() time.Time
	refreshBuffer time.Duration

	mu      sync.Mutex
	configs map[string]config.ServerConfig
	servers map[string]*serverState
}

// serverState is replaced whenever a server's config changes, so a result
// produced for an older config can be told apart by pointer.
type serverState struct {
	status Status
	conn   Conn
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBus publishes an MCPStatusChangedEvent on every transition.
func WithBus(bus *events.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHTTPClient sets the client for discovery, registration and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// WithCallbackPort sets the loopback redirect port. 0 picks a free port.
func WithCallbackPort(port int) Option {
	return func(s *Supervisor) { s.callbackPort = port }
}

// WithOpenURL replaces the browser opener.
func WithOpenURL(open func(string) error) Option {
	return func(s *Supervisor) { s.openURL = open }
}

// WithURLHandler is called with each authorization URL, so the caller can
// print it for headless sessions.
func WithURLHandler(fn func(name, url string)) Option {
	return func(s *Supervisor) { s.onURL = fn }
}

// WithClock overrides time.Now for token staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithRefreshBuffer sets how early stored server tokens are refreshed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(s *Supervisor) { s.refreshBuffer = d }
}

// NewSupervisor creates a supervisor with no servers loaded.
func NewSupervisor(store auth.MCPStore, dialer Dialer, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:         store,
		dialer:        dialer,
		logger:        slog.Default(),
		callbackPort:  config.DefaultCallbackPort,
		now:           time.Now,
		refreshBuffer: 5 * time.Minute,
		configs:       make(map[string]config.ServerConfig),
		servers:       make(map[string]*serverState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload replaces the server configs. Servers whose config changed (or
// that were removed) are disconnected and reset; unchanged servers keep
// their state. It returns the names that were reset, sorted.
func (s *Supervisor) Reload(servers map[string]config.ServerConfig) []string {
	s.mu.Lock()
	var (
		changed []string
		closing []Conn
		emits   []events.MCPStatusChangedEvent
	)
	for name, st := range s.servers {
		if _, ok := servers[name]; !ok {
			if st.conn != nil {
				closing = append(closing, st.conn)
			}
			delete(s.servers, name)
			delete(s.configs, name)
			changed = append(changed, name)
		}
	}
	for name, cfg := range servers {
		cfg.Name = name
		prev, known := s.configs[name]
		if known && prev.Equal(cfg) {
			continue
		}
		oldState := StateNotInitialized
		if st, ok := s.servers[name]; ok {
			oldState = st.status.State
			if st.conn != nil {
				closing = append(closing, st.conn)
			}
		}
		s.configs[name] = cfg
		initial := StateNotInitialized
		if !cfg.IsEnabled() {
			initial = StateDisabled
		}
		st := &serverState{status: Status{Name: name, State: initial}}
		s.servers[name] = st
		if known && oldState != initial {
			emits = append(emits, events.NewMCPStatusChangedEvent(name, string(oldState), string(initial), ""))
		}
		changed = append(changed, name)
	}
	s.mu.Unlock()

	for _, c := range closing {
		_ = c.Close()
	}
	for _, e := range emits {
		s.bus.Publish(e)
	}
	sort.Strings(changed)
	return changed
}

// Names returns the configured server names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.SortedNames(s.configs)
}

// Status returns the current status of name. Unknown servers report
// not_initialized.
func (s *Supervisor) Status(name string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.servers[name]; ok {
		return st.status
	}
	return Status{Name: name, State: StateNotInitialized}
}

// Statuses returns every server's status, sorted by name.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.servers))
	for _, name := range config.SortedNames(s.configs) {
		out = append(out, s.servers[name].status)
	}
	return out
}

// Conn returns the live session for name, or nil.
func (s *Supervisor) Conn(name string) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.servers[name]; ok {
		return st.conn
	}
	return nil
}

// Connect brings name up if it is not already connected. Servers in
// needs_auth or needs_client_registration stay there until Authenticate
// succeeds or their config changes.
func (s *Supervisor) Connect(ctx context.Context, name string) Status {
	s.mu.Lock()
	cfg, ok := s.configs[name]
	if !ok {
		s.mu.Unlock()
		return Status{Name: name, State: StateFailed, Error: fmt.Sprintf("mcp server %q is not configured", name)}
	}
	st := s.servers[name]
	switch st.status.State {
	case StateDisabled, StateConnected, StateConnecting, StateNeedsAuth, StateNeedsClientRegistration:
		cur := st.status
		s.mu.Unlock()
		return cur
	}
	if !cfg.IsEnabled() {
		old := st.status.State
		st.status = Status{Name: name, State: StateDisabled}
		cur := st.status
		s.mu.Unlock()
		s.publish(name, old, cur)
		return cur
	}
	// claim the server so concurrent callers do not dial twice
	old := st.status.State
	st.status = Status{Name: name, State: StateConnecting}
	s.mu.Unlock()
	s.publish(name, old, Status{Name: name, State: StateConnecting})

	return s.connect(ctx, st, cfg)
}

// ConnectAll connects every enabled server concurrently.
func (s *Supervisor) ConnectAll(ctx context.Context) []Status {
	names := s.Names()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		g.Go(func() error {
			s.Connect(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return s.Statuses()
}

// Reconnect drops any session and connects again. This is the operator
// retry for failed servers.
func (s *Supervisor) Reconnect(ctx context.Context, name string) Status {
	_, _, st, ok := s.lookup(name)
	if !ok {
		return s.Connect(ctx, name)
	}
	switch st.State {
	case StateDisabled, StateNeedsAuth, StateNeedsClientRegistration, StateConnecting:
		return st
	}
	s.disconnect(name, StateNotInitialized)
	return s.Connect(ctx, name)
}

// connect dials a server already marked connecting. st is the state the
// dial belongs to; if a reload replaces it meanwhile the result is dropped.
func (s *Supervisor) connect(ctx context.Context, st *serverState, cfg config.ServerConfig) Status {
	name := cfg.Name

	var entry *auth.MCPEntry
	token := ""
	if cfg.UsesOAuth() {
		var err error
		entry, err = s.storedEntry(name, cfg)
		if err != nil {
			return s.transition(st, Status{Name: name, State: StateFailed, Error: err.Error()}, nil)
		}
		if entry != nil && entry.Tokens != nil {
			if entry.Tokens.IsStale(s.now(), s.refreshBuffer) {
				if entry, err = s.refreshTokens(ctx, name, entry); err != nil {
					return s.transition(st, Status{Name: name, State: StateFailed, Error: err.Error()}, nil)
				}
			}
			if entry.Tokens != nil {
				token = entry.Tokens.Access
			}
		}
	}

	conn, err := s.dialer.Dial(ctx, cfg, token)
	if errors.Is(err, ErrUnauthorized) && entry != nil && entry.Tokens != nil && entry.Tokens.Refresh != "" {
		// the server rejected a token we thought was fresh
		refreshed, storeErr := s.refreshTokens(ctx, name, entry)
		if storeErr != nil {
			return s.transition(st, Status{Name: name, State: StateFailed, Error: storeErr.Error()}, nil)
		}
		if refreshed.Tokens != nil && refreshed.Tokens.Access != token {
			conn, err = s.dialer.Dial(ctx, cfg, refreshed.Tokens.Access)
		}
	}

	switch {
	case err == nil:
		return s.transition(st, Status{
			Name:   name,
			State:  StateConnected,
			Server: conn.ServerInfo(),
			Tools:  conn.Tools(),
		}, conn)
	case ctx.Err() != nil:
		return s.transition(st, Status{Name: name, State: StateNotInitialized}, nil)
	case errors.Is(err, ErrUnauthorized) && cfg.UsesOAuth():
		return s.transition(st, Status{Name: name, State: StateNeedsAuth}, nil)
	case errors.Is(err, ErrUnauthorized):
		return s.transition(st, Status{
			Name:  name,
			State: StateFailed,
			Error: "server rejected the configured credentials (401); check headers or enable oauth",
		}, nil)
	default:
		return s.transition(st, Status{Name: name, State: StateFailed, Error: err.Error()}, nil)
	}
}

// storedEntry returns the entry for name when it belongs to cfg's URL.
func (s *Supervisor) storedEntry(name string, cfg config.ServerConfig) (*auth.MCPEntry, error) {
	entry, err := s.store.GetMCP(name)
	if err != nil {
		return nil, fmt.Errorf("load oauth entry: %w", err)
	}
	if entry == nil || (entry.ServerURL != "" && entry.ServerURL != cfg.URL) {
		return nil, nil
	}
	return entry, nil
}

// refreshTokens returns entry with refreshed tokens, or with Tokens nil
// when refresh is impossible. The error is set only when the refreshed
// tokens could not be stored.
func (s *Supervisor) refreshTokens(ctx context.Context, name string, entry *auth.MCPEntry) (*auth.MCPEntry, error) {
	next := *entry
	client := auth.ClientInfo{}
	if entry.ClientInfo != nil {
		client = *entry.ClientInfo
	}
	tokens, err := oauth.RefreshServerTokens(ctx, s.httpClient, entry.Tokens, client)
	if err != nil {
		s.logger.Warn("mcp token refresh failed", slog.String("server", name), slog.String("error", err.Error()))
		next.Tokens = nil
		return &next, nil
	}
	next.Tokens = tokens
	if err := s.store.SetMCP(name, &next); err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}
	s.logger.Info("refreshed mcp tokens", slog.String("server", name))
	return &next, nil
}

// Authenticate runs the authorization-code flow for a remote server and
// connects on success. Credentials are stored only after a successful
// exchange; a cancelled flow leaves the server in needs_auth.
func (s *Supervisor) Authenticate(ctx context.Context, name string) Status {
	cfg, st, _, ok := s.lookup(name)
	if !ok {
		return Status{Name: name, State: StateFailed, Error: fmt.Sprintf("mcp server %q is not configured", name)}
	}
	if !cfg.IsEnabled() || !cfg.UsesOAuth() {
		cur := s.Status(name)
		cur.Error = fmt.Sprintf("mcp server %q is disabled or does not use oauth", name)
		return cur
	}
	s.disconnectState(st, StateNeedsAuth)

	flow := oauth.ServerFlowConfig{
		ServerURL:    cfg.URL,
		CallbackPort: s.callbackPort,
		OpenURL:      s.openURL,
		HTTPClient:   s.httpClient,
		Logger:       s.logger,
	}
	if s.onURL != nil {
		flow.OnURL = func(u string) { s.onURL(name, u) }
	}
	if cfg.OAuth != nil {
		flow.Client = auth.ClientInfo{ClientID: cfg.OAuth.ClientID, ClientSecret: cfg.OAuth.ClientSecret}
		flow.Scopes = strings.Fields(cfg.OAuth.Scope)
	}
	if flow.Client.ClientID == "" {
		if entry, err := s.storedEntry(name, cfg); err == nil && entry != nil && entry.ClientInfo != nil {
			flow.Client = *entry.ClientInfo
		}
	}

	res, err := oauth.RunServerFlow(ctx, flow)
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrClientRegistrationRequired):
		return s.transition(st, Status{Name: name, State: StateNeedsClientRegistration, Error: err.Error()}, nil)
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return s.transition(st, Status{Name: name, State: StateNeedsAuth}, nil)
	default:
		return s.transition(st, Status{Name: name, State: StateNeedsAuth, Error: err.Error()}, nil)
	}

	client := res.Client
	if err := s.store.SetMCP(name, &auth.MCPEntry{ServerURL: cfg.URL, Tokens: res.Tokens, ClientInfo: &client}); err != nil {
		return s.transition(st, Status{Name: name, State: StateFailed, Error: fmt.Sprintf("store tokens: %v", err)}, nil)
	}
	s.logger.Info("mcp server authenticated", slog.String("server", name), slog.Bool("registered", res.Registered))

	s.transition(st, Status{Name: name, State: StateConnecting}, nil)
	return s.connect(ctx, st, cfg)
}

// RemoveAuth deletes stored OAuth artifacts for name and disconnects it.
func (s *Supervisor) RemoveAuth(name string) error {
	if err := s.store.RemoveMCP(name); err != nil {
		return fmt.Errorf("remove oauth entry: %w", err)
	}
	s.disconnect(name, StateNotInitialized)
	return nil
}

// Close disconnects every server.
func (s *Supervisor) Close() {
	s.mu.Lock()
	var conns []Conn
	for _, st := range s.servers {
		if st.conn != nil {
			conns = append(conns, st.conn)
			st.conn = nil
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
}

func (s *Supervisor) lookup(name string) (config.ServerConfig, *serverState, Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[name]
	if !ok {
		return config.ServerConfig{}, nil, Status{}, false
	}
	st := s.servers[name]
	return cfg, st, st.status, true
}

func (s *Supervisor) disconnect(name string, state State) {
	s.mu.Lock()
	st, ok := s.servers[name]
	s.mu.Unlock()
	if ok {
		s.disconnectState(st, state)
	}
}

func (s *Supervisor) disconnectState(st *serverState, state State) {
	s.mu.Lock()
	conn := st.conn
	name := st.status.Name
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.transition(st, Status{Name: name, State: state}, nil)
}

// transition records next on st and publishes the change. When st is no
// longer the server's current state (removed, or replaced by a reload) the
// result is stale: conn is closed and the current status is returned.
func (s *Supervisor) transition(st *serverState, next Status, conn Conn) Status {
	name := next.Name
	s.mu.Lock()
	cur, ok := s.servers[name]
	if !ok || cur != st {
		current := next
		if ok {
			current = cur.status
		}
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Debug("mcp result dropped for replaced config", slog.String("server", name), slog.String("state", string(next.State)))
		return current
	}
	old := st.status.State
	st.status = next
	st.conn = conn
	s.mu.Unlock()

	s.publish(name, old, next)
	return next
}

func (s *Supervisor) publish(name string, old State, next Status) {
	if old == next.State {
		return
	}
	s.logger.Debug("mcp state", slog.String("server", name), slog.String("from", string(old)), slog.String("to", string(next.State)))
	s.bus.Publish(events.NewMCPStatusChangedEvent(name, string(old), string(next.State), next.Error))
}
