package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
)

// HTTP pulls bundles from the sync endpoint with a GET request.
type HTTP struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

// HTTPOption configures an HTTP fetcher.
type HTTPOption func(*HTTP)

// WithClient replaces the traced default client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) HTTPOption {
	return func(h *HTTP) {
		if logger != nil {
			h.log = logger
		}
	}
}

// NewHTTP creates a fetcher for baseURL joined with path.
func NewHTTP(baseURL, path string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client: NewHTTPClient(),
		url:    strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Source() string { return h.url }

// Fetch issues GET url?since=... and returns the body of a 2xx reply.
func (h *HTTP) Fetch(ctx context.Context, since string) (*Payload, error) {
	u, err := url.Parse(h.url)
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransport, "fetch.http", err)
	}
	if since != "" {
		q := u.Query()
		q.Set("since", since)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransport, "fetch.http", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.http", Message: "remote unreachable", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		h.log.Warn("bundle request rejected",
			zap.String("url", u.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(snippet))))
		return nil, fault.New(fault.CodeTransport, "fetch.http", fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	h.log.Debug("bundle response", zap.String("url", u.String()), zap.Int64("content_length", resp.ContentLength))
	return &Payload{Body: resp.Body, Hint: resp.Header.Get("Content-Type")}, nil
}
