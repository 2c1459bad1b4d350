package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arctic-cli/arctic/internal/config"
)

// DefaultInitTimeout bounds the initialize handshake when the server config
// sets no timeout.
const DefaultInitTimeout = 30 * time.Second

// closeGrace is how long a local server gets to exit after stdin closes
// before it is killed.
const closeGrace = 2 * time.Second

// ErrUnauthorized means a remote server answered the handshake with 401.
var ErrUnauthorized = errors.New("mcp server requires authorization")

// UnauthorizedError carries the server's WWW-Authenticate challenge.
type UnauthorizedError struct {
	URL       string
	Challenge string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, ErrUnauthorized)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// Conn is an initialized session with a tool server.
type Conn interface {
	ServerInfo() string
	Tools() []string
	Close() error
}

// Dialer opens sessions. token, when non-empty, is sent as a bearer token to
// remote servers.
type Dialer interface {
	Dial(ctx context.Context, cfg config.ServerConfig, token string) (Conn, error)
}

// ClientDialer dials with mcp-go: stdio for local servers and streamable
// HTTP for remote ones.
type ClientDialer struct {
	ClientName    string
	ClientVersion string

	// HTTPClient is the base for remote servers. Its transport is wrapped to
	// observe 401 responses.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (d *ClientDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dial starts the transport, runs initialize and lists tools.
func (d *ClientDialer) Dial(ctx context.Context, cfg config.ServerConfig, token string) (Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		c        *client.Client
		recorder *statusRecorder
		kill     = func() {}
		err      error
	)
	switch cfg.Type {
	case config.ServerTypeLocal:
		// the child lives until kill, not until ctx ends
		procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
		kill = cancelProc
		c, err = client.NewStdioMCPClientWithOptions(cfg.Command[0], buildEnv(cfg.Environment), cfg.Command[1:],
			transport.WithCommandFunc(func(_ context.Context, command string, env, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(procCtx, command, args...)
				cmd.Env = append(os.Environ(), env...)
				cmd.WaitDelay = closeGrace
				return cmd, nil
			}),
		)
		if err != nil {
			kill()
			return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
		}
	case config.ServerTypeRemote:
		recorder = &statusRecorder{base: d.baseTransport()}
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
		c, err = client.NewStreamableHttpClient(cfg.URL,
			transport.WithHTTPHeaders(headers),
			transport.WithHTTPBasicClient(&http.Client{Transport: recorder}),
		)
		if err != nil {
			return nil, fmt.Errorf("create streamable http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start streamable http client: %w", err)
		}
	}

	timeout := DefaultInitTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: d.clientName(), Version: d.clientVersion()}

	result, err := c.Initialize(initCtx, req)
	if err != nil {
		// a server that missed the handshake may never exit on its own
		kill()
		_ = c.Close()
		if recorder != nil && recorder.unauthorized() {
			return nil, &UnauthorizedError{URL: cfg.URL, Challenge: recorder.challenge()}
		}
		return nil, fmt.Errorf("initialize: %w", err)
	}

	conn := &clientConn{client: c, kill: kill, info: result.ServerInfo.Name}
	if result.ServerInfo.Version != "" {
		conn.info += " " + result.ServerInfo.Version
	}

	tools, err := c.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		d.logger().Warn("list tools failed", slog.String("server", cfg.Name), slog.String("error", err.Error()))
	} else {
		for _, t := range tools.Tools {
			conn.tools = append(conn.tools, t.Name)
		}
	}
	return conn, nil
}

func (d *ClientDialer) baseTransport() http.RoundTripper {
	if d.HTTPClient != nil && d.HTTPClient.Transport != nil {
		return d.HTTPClient.Transport
	}
	return http.DefaultTransport
}

func (d *ClientDialer) clientName() string {
	if d.ClientName != "" {
		return d.ClientName
	}
	return "arctic"
}

func (d *ClientDialer) clientVersion() string {
	if d.ClientVersion != "" {
		return d.ClientVersion
	}
	return "dev"
}

type clientConn struct {
	client *client.Client
	kill   func()
	info   string
	tools  []string
}

func (c *clientConn) ServerInfo() string { return c.info }
func (c *clientConn) Tools() []string    { return c.tools }

// Close closes the session. A local server that does not exit within
// closeGrace is killed.
func (c *clientConn) Close() error {
	done := make(chan error, 1)
	go func() { done <- c.client.Close() }()

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		c.kill()
		return err
	case <-timer.C:
		c.kill()
		<-done
		return nil
	}
}

// statusRecorder remembers whether any response was a 401.
type statusRecorder struct {
	base http.RoundTripper

	mu     sync.Mutex
	status int
	header string
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		r.mu.Lock()
		r.status = resp.StatusCode
		r.header = resp.Header.Get("WWW-Authenticate")
		r.mu.Unlock()
	}
	return resp, err
}

func (r *statusRecorder) unauthorized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == http.StatusUnauthorized
}

func (r *statusRecorder) challenge() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// buildEnv returns the extra environment for a local server: PATH with
// common binary locations prepended, then the configured variables. mcp-go
// appends these to the inherited environment.
func buildEnv(customEnv map[string]string) []string {
	pathDirs := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
	}

	path := strings.Join(pathDirs, ":")
	if current := os.Getenv("PATH"); current != "" {
		path += ":" + current
	}
	env := []string{"PATH=" + path}

	for k, v := range customEnv {
		if k == "PATH" {
			env[0] = "PATH=" + v
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}
