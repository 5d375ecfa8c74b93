// Package oplog records local mutations as an append-only operation log.
//
// Every entry starts PENDING and moves at most once, to SYNCED or FAILED.
// Entries are never deleted; the log doubles as the audit trail. Pending
// entries are listed in FIFO order by creation time with the logical seq
// as tiebreaker.
package oplog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Log appends and transitions operation log entries.
type Log struct {
	store store.Store
	ids   model.IDGenerator
	now   model.NowFunc
	log   *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(l *Log) {
		if g != nil {
			l.ids = g
		}
	}
}

// WithNow injects the clock used for created_at and updated_at.
func WithNow(now model.NowFunc) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.log = logger
		}
	}
}

// New creates a Log over s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{
		store: s,
		ids:   model.UUIDv7Generator{},
		now:   model.SystemNow,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a PENDING operation and returns its id once the entry is
// durable. payload must encode to a JSON object.
func (l *Log) Append(ctx context.Context, kind model.OpKind, payload any) (string, error) {
	if err := kind.Validate(); err != nil {
		return "", fault.Wrap(fault.CodeInvalid, "oplog.append", err)
	}
	data, err := model.CanonicalString(payload)
	if err != nil {
		return "", fault.Wrap(fault.CodeInvalid, "oplog.append", fmt.Errorf("payload: %w", err))
	}
	if len(data) == 0 || data[0] != '{' {
		return "", fault.New(fault.CodeInvalid, "oplog.append", "payload must be a JSON object")
	}

	now := l.now()
	op := model.Operation{
		ID:        l.ids.Generate(),
		Kind:      kind,
		Payload:   data,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var seq int64
	err = l.store.Update(ctx, func(tx store.Tx) error {
		var err error
		seq, err = tx.InsertOperation(ctx, op)
		return err
	})
	if err != nil {
		return "", fault.Storage("oplog.append", err)
	}
	l.log.Debug("operation appended",
		zap.String("id", op.ID),
		zap.String("kind", string(kind)),
		zap.Int64("seq", seq))
	return op.ID, nil
}

// ListPending returns every PENDING entry in FIFO order.
func (l *Log) ListPending(ctx context.Context) ([]model.Operation, error) {
	return l.List(ctx, store.OperationFilter{Status: model.StatusPending})
}

// List returns entries matching f in FIFO order, regardless of status.
func (l *Log) List(ctx context.Context, f store.OperationFilter) ([]model.Operation, error) {
	var ops []model.Operation
	err := l.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		ops, err = tx.Operations(ctx, f)
		return err
	})
	if err != nil {
		return nil, fault.Storage("oplog.list", err)
	}
	return ops, nil
}

// Get returns one entry.
func (l *Log) Get(ctx context.Context, id string) (model.Operation, error) {
	var op model.Operation
	err := l.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		op, err = tx.Operation(ctx, id)
		return err
	})
	if err != nil {
		return model.Operation{}, fault.Storage("oplog.get", err)
	}
	return op, nil
}

// MarkSynced moves a PENDING entry to SYNCED. Marking a terminal entry is
// a no-op; an unknown id is a NOT_FOUND fault.
func (l *Log) MarkSynced(ctx context.Context, id string) error {
	_, err := l.transition(ctx, "oplog.mark_synced", id, model.StatusSynced, "")
	return err
}

// MarkFailed moves a PENDING entry to FAILED, keeping reason as its last
// error. Same no-op and NOT_FOUND rules as MarkSynced.
func (l *Log) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := l.transition(ctx, "oplog.mark_failed", id, model.StatusFailed, reason)
	return err
}

func (l *Log) transition(ctx context.Context, op, id string, to model.Status, reason string) (bool, error) {
	var changed bool
	err := l.store.Update(ctx, func(tx store.Tx) error {
		var err error
		changed, err = tx.TransitionOperation(ctx, id, to, l.now(), reason)
		return err
	})
	if err != nil {
		return false, fault.Storage(op, err)
	}
	if changed {
		l.log.Debug("operation transitioned", zap.String("id", id), zap.String("status", string(to)))
	} else {
		l.log.Debug("operation already terminal", zap.String("id", id), zap.String("requested", string(to)))
	}
	return changed, nil
}

// RecordAttempt notes a delivery attempt that failed transiently. The
// entry stays PENDING.
func (l *Log) RecordAttempt(ctx context.Context, id, errText string) error {
	err := l.store.Update(ctx, func(tx store.Tx) error {
		return tx.RecordAttempt(ctx, id, errText, l.now())
	})
	return fault.Storage("oplog.record_attempt", err)
}

// Counts returns the number of entries per status. Every status is
// present in the result.
func (l *Log) Counts(ctx context.Context) (map[model.Status]int, error) {
	counts := make(map[model.Status]int, 3)
	err := l.store.View(ctx, func(tx store.ReadTx) error {
		for _, s := range []model.Status{model.StatusPending, model.StatusSynced, model.StatusFailed} {
			n, err := tx.CountOperations(ctx, s)
			if err != nil {
				return err
			}
			counts[s] = n
		}
		return nil
	})
	if err != nil {
		return nil, fault.Storage("oplog.counts", err)
	}
	return counts, nil
}
