// Package memstore is a deterministic in-memory store.Store.
//
// State is copy-on-write: Update mutates a private clone and publishes it
// only when the callback succeeds, so readers never see a partial unit.
// It backs tests and the explicit "memory" storage driver; it is never a
// silent fallback for a failed durable store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

var _ store.Store = (*Store)(nil)

type syncValue struct {
	value     string
	updatedAt time.Time
}

type state struct {
	blueprints map[string]model.Blueprint
	records    map[string]model.Record
	operations map[string]model.Operation
	syncState  map[string]syncValue
}

func newState() *state {
	return &state{
		blueprints: make(map[string]model.Blueprint),
		records:    make(map[string]model.Record),
		operations: make(map[string]model.Operation),
		syncState:  make(map[string]syncValue),
	}
}

func (s *state) clone() *state {
	c := &state{
		blueprints: make(map[string]model.Blueprint, len(s.blueprints)),
		records:    make(map[string]model.Record, len(s.records)),
		operations: make(map[string]model.Operation, len(s.operations)),
		syncState:  make(map[string]syncValue, len(s.syncState)),
	}
	for k, v := range s.blueprints {
		c.blueprints[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.operations {
		c.operations[k] = v
	}
	for k, v := range s.syncState {
		c.syncState[k] = v
	}
	return c
}

// Store is the in-memory engine.
type Store struct {
	writeMu    sync.Mutex // serializes Update
	mu         sync.RWMutex
	cur        *state
	clock      *model.Clock
	closed     atomic.Bool
	generation atomic.Uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{cur: newState(), clock: model.NewClock()}
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return fault.New(fault.CodeStorage, op, "store is closed")
	}
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.ReadTx) error) error {
	if err := s.checkOpen("store.view"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Storage("store.view", err)
	}
	s.mu.RLock()
	snap := s.cur
	s.mu.RUnlock()
	return fn(&tx{st: snap})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := s.checkOpen("store.update"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fault.Storage("store.update", err)
	}

	s.mu.RLock()
	work := s.cur.clone()
	s.mu.RUnlock()

	t := &tx{st: work, writable: true, clock: s.clock}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Storage("store.update", err)
	}

	s.mu.Lock()
	s.cur = work
	s.mu.Unlock()
	if t.maxSeq > s.clock.Current() {
		s.clock = model.NewClockAt(t.maxSeq)
	}
	s.generation.Add(1)
	return nil
}

type tx struct {
	st       *state
	writable bool
	clock    *model.Clock
	maxSeq   int64
}

func (t *tx) Blueprint(_ context.Context, name string) (model.Blueprint, error) {
	b, ok := t.st.blueprints[name]
	if !ok {
		return model.Blueprint{}, fmt.Errorf("blueprint %q: %w", name, fault.ErrNotFound)
	}
	return b, nil
}

func (t *tx) Blueprints(context.Context) ([]model.Blueprint, error) {
	out := make([]model.Blueprint, 0, len(t.st.blueprints))
	for _, b := range t.st.blueprints {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) CountBlueprints(context.Context) (int, error) {
	return len(t.st.blueprints), nil
}

func (t *tx) Record(_ context.Context, id string) (model.Record, error) {
	r, ok := t.st.records[id]
	if !ok {
		return model.Record{}, fmt.Errorf("record %q: %w", id, fault.ErrNotFound)
	}
	return r, nil
}

func (t *tx) CountRecords(_ context.Context, kind model.Kind) (int, error) {
	if kind == "" {
		return len(t.st.records), nil
	}
	n := 0
	for _, r := range t.st.records {
		if r.Kind == kind {
			n++
		}
	}
	return n, nil
}

// ScanRecords mirrors the SQL engines: byte-wise id order, substring match
// on search_vector, optional limit.
func (t *tx) ScanRecords(_ context.Context, q store.RecordQuery) ([]model.Record, error) {
	out := []model.Record{}
	for _, r := range t.st.records {
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if q.Contains != "" && !strings.Contains(r.SearchVector, q.Contains) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *tx) Operation(_ context.Context, id string) (model.Operation, error) {
	op, ok := t.st.operations[id]
	if !ok {
		return model.Operation{}, fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	return op, nil
}

func (t *tx) Operations(_ context.Context, f store.OperationFilter) ([]model.Operation, error) {
	out := []model.Operation{}
	for _, op := range t.st.operations {
		if f.Status != "" && op.Status != f.Status {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return fifoLess(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// fifoLess orders by created_at, seq, then id. Timestamps compare at the
// precision they are persisted with by the SQL engines.
func fifoLess(a, b model.Operation) bool {
	ca, cb := model.FormatTime(a.CreatedAt), model.FormatTime(b.CreatedAt)
	if ca != cb {
		return ca < cb
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func (t *tx) CountOperations(_ context.Context, status model.Status) (int, error) {
	if status == "" {
		return len(t.st.operations), nil
	}
	n := 0
	for _, op := range t.st.operations {
		if op.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *tx) SyncState(_ context.Context, key string) (string, error) {
	v, ok := t.st.syncState[key]
	if !ok {
		return "", fmt.Errorf("sync state %q: %w", key, fault.ErrNotFound)
	}
	return v.value, nil
}

func (t *tx) PutBlueprint(_ context.Context, b model.Blueprint) error {
	if err := t.requireWritable("store.put_blueprint"); err != nil {
		return err
	}
	if b.Name == "" {
		return fault.New(fault.CodeInvalid, "store.put_blueprint", "empty module name")
	}
	if old, ok := t.st.blueprints[b.Name]; ok && old.Version == b.Version && old.Data == b.Data {
		return nil
	}
	b.UpdatedAt = truncate(b.UpdatedAt)
	t.st.blueprints[b.Name] = b
	return nil
}

func (t *tx) PutRecord(_ context.Context, r model.Record) error {
	if err := t.requireWritable("store.put_record"); err != nil {
		return err
	}
	if r.ID == "" {
		return fault.New(fault.CodeInvalid, "store.put_record", "empty record id")
	}
	t.st.records[r.ID] = r
	return nil
}

func (t *tx) InsertOperation(_ context.Context, op model.Operation) (int64, error) {
	if err := t.requireWritable("store.insert_operation"); err != nil {
		return 0, err
	}
	if op.ID == "" {
		return 0, fault.New(fault.CodeInvalid, "store.insert_operation", "empty operation id")
	}
	if _, ok := t.st.operations[op.ID]; ok {
		return 0, fault.New(fault.CodeStorage, "store.insert_operation",
			fmt.Sprintf("operation %q already exists", op.ID))
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}
	if op.Seq == 0 {
		op.Seq = t.nextSeq()
	}
	if op.Seq > t.maxSeq {
		t.maxSeq = op.Seq
	}
	op.CreatedAt = truncate(op.CreatedAt)
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = op.CreatedAt
	}
	op.UpdatedAt = truncate(op.UpdatedAt)
	t.st.operations[op.ID] = op
	return op.Seq, nil
}

// nextSeq issues seq values from the store clock; values issued inside a
// unit that rolls back are simply skipped.
func (t *tx) nextSeq() int64 {
	for {
		seq := t.clock.Next()
		if seq > t.maxSeq {
			return seq
		}
	}
}

func (t *tx) TransitionOperation(_ context.Context, id string, to model.Status, at time.Time, errText string) (bool, error) {
	if err := t.requireWritable("store.transition_operation"); err != nil {
		return false, err
	}
	if !to.Terminal() {
		return false, fault.New(fault.CodeInvalid, "store.transition_operation",
			fmt.Sprintf("cannot transition to %q", to))
	}
	op, ok := t.st.operations[id]
	if !ok {
		return false, fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	if op.Status != model.StatusPending {
		return false, nil
	}
	op.Status = to
	op.UpdatedAt = truncate(at)
	if errText != "" {
		op.LastError = errText
	}
	t.st.operations[id] = op
	return true, nil
}

func (t *tx) RecordAttempt(_ context.Context, id, errText string, at time.Time) error {
	if err := t.requireWritable("store.record_attempt"); err != nil {
		return err
	}
	op, ok := t.st.operations[id]
	if !ok {
		return fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	op.Attempts++
	op.LastError = errText
	op.UpdatedAt = truncate(at)
	t.st.operations[id] = op
	return nil
}

func (t *tx) PutSyncState(_ context.Context, key, value string, at time.Time) error {
	if err := t.requireWritable("store.put_sync_state"); err != nil {
		return err
	}
	t.st.syncState[key] = syncValue{value: value, updatedAt: truncate(at)}
	return nil
}

func (t *tx) requireWritable(op string) error {
	if !t.writable {
		return fault.New(fault.CodeInvalid, op, "write inside a read-only view")
	}
	return nil
}

// truncate normalizes a timestamp to what a round trip through the SQL
// engines yields, so both engines return identical values.
func truncate(ts time.Time) time.Time {
	if ts.IsZero() {
		return ts
	}
	parsed, err := model.ParseTime(model.FormatTime(ts))
	if err != nil {
		return ts.UTC()
	}
	return parsed
}
