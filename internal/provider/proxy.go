package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/arctic-cli/arctic/internal/auth"
)

// Transport attaches a fresh credential for one provider key to every
// request and shapes headers the way the provider requires. Requests with a
// relative URL are resolved against the provider's API base.
type Transport struct {
	Key       string
	Registry  *Registry
	Refresher *Refresher

	// Base performs the request. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. It never sends a request with a
// stale token: a failed refresh returns an *AuthRequiredError.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	def, err := t.Registry.Lookup(t.Key)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	cred, err := t.Refresher.Fresh(ctx, t.Key)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	out := req.Clone(ctx)
	if out.URL.Host == "" {
		baseURL, err := t.Registry.BaseURL(t.Key, cred)
		if err != nil {
			closeBody(req)
			return nil, err
		}
		u, err := resolveURL(baseURL, out.URL)
		if err != nil {
			closeBody(req)
			return nil, err
		}
		out.URL = u
		out.Host = ""
	}

	if def.Decorate != nil {
		body, err := peekBody(out)
		if err != nil {
			return nil, err
		}
		def.Decorate(out.Header, body)
	}

	applyHeaders(out.Header, def, cred)
	return t.base().RoundTrip(out)
}

// applyHeaders merges provider headers into h and attaches the credential.
// ListHeaders only go with OAuth credentials.
func applyHeaders(h http.Header, def *Definition, cred *auth.Credential) {
	for name, value := range def.Headers {
		h.Set(name, value)
	}

	if cred.IsAPIKey() {
		if def.APIKeyHeader != "" {
			h.Del("Authorization")
			h.Set(def.APIKeyHeader, cred.Access)
			return
		}
		h.Set("Authorization", "Bearer "+cred.Access)
		return
	}

	for name, values := range def.ListHeaders {
		h.Set(name, MergeList(values, h.Values(name)))
	}
	for _, name := range def.StripHeaders {
		h.Del(name)
	}
	h.Set("Authorization", "Bearer "+cred.Access)
}

// MergeList joins comma-separated header values as a set union, keeping
// the first occurrence order. Provider values go first.
func MergeList(provider []string, caller []string) string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{provider, caller} {
		for _, v := range group {
			for _, item := range strings.Split(v, ",") {
				item = strings.TrimSpace(item)
				if item == "" || seen[item] {
					continue
				}
				seen[item] = true
				out = append(out, item)
			}
		}
	}
	return strings.Join(out, ",")
}

func resolveURL(base string, ref *url.URL) (*url.URL, error) {
	b, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL %q: %w", base, err)
	}
	u := *b
	u.Path = b.Path + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ref.Fragment
	return &u, nil
}

// peekBody reads the body and puts an identical one back.
func peekBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return data, nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// Proxy hands out provider-aware HTTP clients.
type Proxy struct {
	registry  *Registry
	refresher *Refresher
	base      http.RoundTripper
}

// NewProxy creates a proxy. base may be nil.
func NewProxy(registry *Registry, refresher *Refresher, base http.RoundTripper) *Proxy {
	return &Proxy{registry: registry, refresher: refresher, base: base}
}

// Client returns an *http.Client whose requests are sent as key.
func (p *Proxy) Client(key string) *http.Client {
	return &http.Client{Transport: p.Transport(key)}
}

// Transport returns the round tripper for key.
func (p *Proxy) Transport(key string) *Transport {
	return &Transport{Key: key, Registry: p.registry, Refresher: p.refresher, Base: p.base}
}

// Do sends req as key.
func (p *Proxy) Do(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	return p.Client(key).Do(req.WithContext(ctx))
}
