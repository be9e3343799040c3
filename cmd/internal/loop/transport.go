package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one call to the chat backend. GET requests carry Params in the
// query string, POST requests as a form body.
type Request struct {
	Method string
	Path   string
	Params url.Values
}

// Response is the status and the raw body of an answered request.
type Response struct {
	Status int
	Body   []byte
}

// Transport sends a Request. An error means no HTTP response was received.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPTransport builds a transport for serverURL. A nil client gets a
// default one; every request is logged through log at debug level.
func NewHTTPTransport(serverURL string, client *http.Client, log *slog.Logger) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(serverURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("server url: missing host")
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c := *client
	c.Transport = &loggingRoundTripper{next: next, log: log}
	return &HTTPTransport{base: u, client: &c}, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	u := *t.base
	u.Path = t.base.Path + req.Path

	var body io.Reader
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet {
		u.RawQuery = req.Params.Encode()
	} else {
		body = strings.NewReader(req.Params.Encode())
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	hr.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(hr)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: b}, nil
}

// loggingRoundTripper logs every outgoing request. The query string is left
// out because it carries the auth token.
type loggingRoundTripper struct {
	next http.RoundTripper
	log  *slog.Logger
}

func (rt *loggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(r)

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		rt.log.Debug("http.client.request", append(attrs, "err", err)...)
		return nil, err
	}
	rt.log.Debug("http.client.request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}
