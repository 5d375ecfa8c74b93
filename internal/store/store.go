package store

import (
	"context"
	"time"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
)

// Store is a transactional local data store.
type Store interface {
	// View runs fn against a consistent read snapshot.
	View(ctx context.Context, fn func(ReadTx) error) error

	// Update runs fn as one atomic write unit.
	Update(ctx context.Context, fn func(Tx) error) error

	// Generation increases every time an Update commits. Caches keyed by it
	// are invalidated by any committed write.
	Generation() uint64

	Close() error
}

// ReadTx exposes the read operations available inside View and Update.
type ReadTx interface {
	Blueprint(ctx context.Context, name string) (model.Blueprint, error)
	Blueprints(ctx context.Context) ([]model.Blueprint, error)
	CountBlueprints(ctx context.Context) (int, error)

	Record(ctx context.Context, id string) (model.Record, error)
	CountRecords(ctx context.Context, kind model.Kind) (int, error)
	ScanRecords(ctx context.Context, q RecordQuery) ([]model.Record, error)

	Operation(ctx context.Context, id string) (model.Operation, error)
	Operations(ctx context.Context, f OperationFilter) ([]model.Operation, error)
	CountOperations(ctx context.Context, status model.Status) (int, error)

	// SyncState returns fault.ErrNotFound for a key never written.
	SyncState(ctx context.Context, key string) (string, error)
}

// Tx adds writes to ReadTx. It is only valid inside the Update callback.
type Tx interface {
	ReadTx

	// PutBlueprint upserts by name. When version and data are unchanged the
	// stored UpdatedAt is kept, so re-writing the same document is a no-op.
	PutBlueprint(ctx context.Context, b model.Blueprint) error

	// PutRecord replaces the record with the same id wholesale.
	PutRecord(ctx context.Context, r model.Record) error

	// InsertOperation appends a new entry and returns the seq it was
	// stamped with. A zero op.Seq is assigned the next value of the log's
	// logical clock. Duplicate ids are an error.
	InsertOperation(ctx context.Context, op model.Operation) (int64, error)

	// TransitionOperation moves a PENDING entry to status to. It reports
	// changed=false, with no error, when the entry is already terminal and
	// fault.ErrNotFound when no entry has that id.
	TransitionOperation(ctx context.Context, id string, to model.Status, at time.Time, errText string) (changed bool, err error)

	// RecordAttempt bumps the attempt counter of an entry and stores the
	// last delivery error without changing its status.
	RecordAttempt(ctx context.Context, id, errText string, at time.Time) error

	PutSyncState(ctx context.Context, key, value string, at time.Time) error
}

// RecordQuery selects foundation records.
type RecordQuery struct {
	Kind     model.Kind // empty matches every kind
	Contains string     // substring of search_vector; empty disables the filter
	Limit    int        // <= 0 means unbounded
}

// OperationFilter selects op_log entries.
type OperationFilter struct {
	Status model.Status // empty matches every status
	Limit  int          // <= 0 means unbounded
}

// Snapshot is a full, ordered dump of the store used by golden tests and
// the status command.
type Snapshot struct {
	Blueprints []model.Blueprint
	Records    []model.Record
	Operations []model.Operation
	SyncState  map[string]string
}

// TakeSnapshot reads every table inside one View.
func TakeSnapshot(ctx context.Context, s Store) (Snapshot, error) {
	var snap Snapshot
	err := s.View(ctx, func(tx ReadTx) error {
		var err error
		if snap.Blueprints, err = tx.Blueprints(ctx); err != nil {
			return err
		}
		if snap.Records, err = tx.ScanRecords(ctx, RecordQuery{}); err != nil {
			return err
		}
		if snap.Operations, err = tx.Operations(ctx, OperationFilter{}); err != nil {
			return err
		}
		snap.SyncState = make(map[string]string)
		for _, key := range SyncStateKeys {
			v, err := tx.SyncState(ctx, key)
			if err != nil {
				if fault.IsNotFound(err) {
					continue
				}
				return err
			}
			snap.SyncState[key] = v
		}
		return nil
	})
	return snap, err
}

// SyncStateKeys lists the bookkeeping keys written by bundle ingestion.
var SyncStateKeys = []string{
	model.StateBundleHash,
	model.StateLastSuccessAt,
	model.StateServerTimestamp,
}
