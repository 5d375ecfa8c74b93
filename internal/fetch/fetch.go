// Package fetch retrieves bundle payloads from a remote source.
//
// Every failure to obtain a payload is reported as a fault.CodeTransport
// error; decoding and validation of the payload belong to package bundle.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/config"
)

// Payload is a fetched bundle body. The caller must close Body.
type Payload struct {
	Body io.ReadCloser
	// Hint is a file name or content type used to pick a decoder.
	Hint string
}

// Fetcher retrieves the current bundle.
type Fetcher interface {
	// Fetch returns the bundle published after since, an opaque server
	// timestamp from the previous pull. Sources that only publish full
	// snapshots ignore it.
	Fetch(ctx context.Context, since string) (*Payload, error)

	// Source names the remote for logs and status output.
	Source() string
}

// NewHTTPClient returns a client whose requests are traced. Deadlines come
// from the request context, not from the client.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// FromConfig builds the fetcher selected by cfg.Source, wrapped in a
// circuit breaker unless cfg.Breaker.Threshold is zero.
func FromConfig(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger, opts ...BreakerOption) (Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		f   Fetcher
		err error
	)
	switch cfg.Source {
	case config.SourceHTTP, "":
		f = NewHTTP(cfg.ResolvedBaseURL(), cfg.BundlePath, WithLogger(logger))
	case config.SourceS3:
		f, err = NewS3(ctx, cfg.S3)
	case config.SourceFile:
		f = NewFile(cfg.File)
	default:
		return nil, fmt.Errorf("unknown bundle source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Threshold <= 0 {
		return f, nil
	}
	return NewBreaker(f, cfg.Breaker.Threshold, orDefault(cfg.Breaker.ResetTimeout, 30*time.Second), opts...), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
