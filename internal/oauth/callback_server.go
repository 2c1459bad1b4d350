package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
)

// CallbackResult is what the authorization server sent to the loopback redirect.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackServer receives one OAuth redirect on 127.0.0.1.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan CallbackResult
	port     int
}

// StartCallbackServer listens on port (0 picks a free one) and serves /callback.
func StartCallbackServer(port int) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	cs := &CallbackServer{
		listener: listener,
		result:   make(chan CallbackResult, 1),
		port:     listener.Addr().(*net.TCPAddr).Port,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", cs.handleCallback)
	cs.server = &http.Server{Handler: mux}

	go func() {
		if err := cs.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.deliver(CallbackResult{Error: "server_error", ErrorDescription: err.Error()})
		}
	}()
	return cs, nil
}

// Port returns the bound port.
func (s *CallbackServer) Port() int { return s.port }

// RedirectURI is the loopback redirect URI.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// Wait blocks until the first callback arrives or ctx is done.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case r := <-s.result:
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the server.
func (s *CallbackServer) Close() error {
	return s.server.Shutdown(context.Background())
}

func (s *CallbackServer) deliver(r CallbackResult) {
	select {
	case s.result <- r:
	default:
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result := CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	s.deliver(result)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case result.Error != "":
		w.WriteHeader(http.StatusBadRequest)
		writePage(w, "Authorization failed", html.EscapeString(result.Error+" "+result.ErrorDescription))
	case result.Code == "":
		w.WriteHeader(http.StatusBadRequest)
		writePage(w, "Authorization failed", "No authorization code received.")
	default:
		writePage(w, "Authorization complete", "You can close this window and return to arctic.")
	}
}

func writePage(w http.ResponseWriter, title, body string) {
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>arctic - %s</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p>
</body></html>`, title, title, body)
}
