package oplog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
)

// Pusher delivers pending operations to the remote, one request per entry,
// oldest first.
//
// A 2xx or 409 reply marks the entry SYNCED; the server has seen the
// Idempotency-Key before in the 409 case. A 5xx reply, a transport error
// or a temporary 4xx (auth, timeout, too early, rate limit) records an
// attempt and stops the drain, so later entries never overtake an earlier
// one. Any other 4xx is a permanent rejection and marks the entry FAILED.
type Pusher struct {
	log    *Log
	client *http.Client
	url    string
	logger *zap.Logger
}

// PushOption configures a Pusher.
type PushOption func(*Pusher)

// WithHTTPClient sets the client. Deadlines come from the context.
func WithHTTPClient(c *http.Client) PushOption {
	return func(p *Pusher) {
		if c != nil {
			p.client = c
		}
	}
}

// WithPushLogger sets the logger. Defaults to a no-op logger.
func WithPushLogger(logger *zap.Logger) PushOption {
	return func(p *Pusher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPusher posts to baseURL joined with path.
func NewPusher(l *Log, baseURL, path string, opts ...PushOption) *Pusher {
	p := &Pusher{
		log:    l,
		client: http.DefaultClient,
		url:    strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PushResult counts the outcome of one drain.
type PushResult struct {
	Attempted int
	Synced    int
	Failed    int
	Remaining int // entries still PENDING after the drain

	// RetryAfter is the delay the remote asked for when it stopped the
	// drain with a Retry-After header. Zero otherwise.
	RetryAfter time.Duration
}

// retryableStatus reports whether a 4xx reply says "not now" rather than
// "never".
func retryableStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

type pushRequest struct {
	ID        string          `json:"id"`
	Operation model.OpKind    `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// Push drains the pending queue. The returned error is a TRANSPORT fault
// when delivery stopped early and a STORAGE fault when the log itself
// could not be read or updated.
func (p *Pusher) Push(ctx context.Context) (PushResult, error) {
	var res PushResult
	pending, err := p.log.ListPending(ctx)
	if err != nil {
		return res, err
	}

	for i, op := range pending {
		res.Attempted++
		status, retryAfter, err := p.send(ctx, op)
		switch {
		case err != nil || retryableStatus(status):
			reason := fmt.Sprintf("status %d", status)
			if err != nil {
				reason = err.Error()
			}
			if retryAfter > 0 {
				res.RetryAfter = retryAfter
				reason += fmt.Sprintf(" (retry after %s)", retryAfter)
			}
			if aerr := p.log.RecordAttempt(ctx, op.ID, reason); aerr != nil {
				return res, aerr
			}
			res.Remaining = len(pending) - i
			p.logger.Warn("push stopped",
				zap.String("id", op.ID),
				zap.String("reason", reason),
				zap.Int("remaining", res.Remaining))
			return res, &fault.Error{Code: fault.CodeTransport, Op: "oplog.push", Message: "deliver " + op.ID + ": " + reason, Err: err}

		case status >= 200 && status <= 299, status == http.StatusConflict:
			if err := p.log.MarkSynced(ctx, op.ID); err != nil {
				return res, err
			}
			res.Synced++

		default:
			if err := p.log.MarkFailed(ctx, op.ID, fmt.Sprintf("rejected with status %d", status)); err != nil {
				return res, err
			}
			res.Failed++
			p.logger.Warn("operation rejected", zap.String("id", op.ID), zap.Int("status", status))
		}
	}
	p.logger.Debug("push drained",
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (p *Pusher) send(ctx context.Context, op model.Operation) (int, time.Duration, error) {
	body, err := json.Marshal(pushRequest{
		ID:        op.ID,
		Operation: op.Kind,
		Payload:   json.RawMessage(op.Payload),
		CreatedAt: model.FormatTime(op.CreatedAt),
	})
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), nil
}

// parseRetryAfter reads either form of the header: delay seconds or an
// HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
