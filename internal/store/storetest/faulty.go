package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Call describes one write reaching a Faulty store.
type Call struct {
	Method string     // "PutBlueprint", "PutRecord", ...
	Kind   model.Kind // record kind, for PutRecord
	ID     string     // blueprint name, record id, operation id or sync key
}

// Faulty wraps a store and fails writes chosen by FailOn. It is used to
// inject storage failures partway through a unit of work.
type Faulty struct {
	store.Store

	// FailOn returns a non-nil error to fail the call.
	FailOn func(Call) error

	mu    sync.Mutex
	calls []Call
}

// NewFaulty wraps inner.
func NewFaulty(inner store.Store, failOn func(Call) error) *Faulty {
	return &Faulty{Store: inner, FailOn: failOn}
}

// Calls returns every write attempted so far, in order.
func (f *Faulty) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Faulty) Update(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.Update(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

func (f *Faulty) check(c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.FailOn == nil {
		return nil
	}
	return f.FailOn(c)
}

type faultyTx struct {
	store.Tx
	f *Faulty
}

func (t *faultyTx) PutBlueprint(ctx context.Context, b model.Blueprint) error {
	if err := t.f.check(Call{Method: "PutBlueprint", ID: b.Name}); err != nil {
		return err
	}
	return t.Tx.PutBlueprint(ctx, b)
}

func (t *faultyTx) PutRecord(ctx context.Context, r model.Record) error {
	if err := t.f.check(Call{Method: "PutRecord", Kind: r.Kind, ID: r.ID}); err != nil {
		return err
	}
	return t.Tx.PutRecord(ctx, r)
}

func (t *faultyTx) InsertOperation(ctx context.Context, op model.Operation) (int64, error) {
	if err := t.f.check(Call{Method: "InsertOperation", ID: op.ID}); err != nil {
		return 0, err
	}
	return t.Tx.InsertOperation(ctx, op)
}

func (t *faultyTx) TransitionOperation(ctx context.Context, id string, to model.Status, at time.Time, errText string) (bool, error) {
	if err := t.f.check(Call{Method: "TransitionOperation", ID: id}); err != nil {
		return false, err
	}
	return t.Tx.TransitionOperation(ctx, id, to, at, errText)
}

func (t *faultyTx) RecordAttempt(ctx context.Context, id, errText string, at time.Time) error {
	if err := t.f.check(Call{Method: "RecordAttempt", ID: id}); err != nil {
		return err
	}
	return t.Tx.RecordAttempt(ctx, id, errText, at)
}

func (t *faultyTx) PutSyncState(ctx context.Context, key, value string, at time.Time) error {
	if err := t.f.check(Call{Method: "PutSyncState", ID: key}); err != nil {
		return err
	}
	return t.Tx.PutSyncState(ctx, key, value, at)
}
