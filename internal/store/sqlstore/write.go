package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
)

func (t *tx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutBlueprint upserts a blueprint by module name.
//
// The WHERE clause on the update arm leaves the row untouched, including
// updated_at, when neither version nor data changed. Re-applying the same
// bundle is therefore row-for-row identical.
func (t *tx) PutBlueprint(ctx context.Context, b model.Blueprint) error {
	if b.Name == "" {
		return fault.New(fault.CodeInvalid, "store.put_blueprint", "empty module name")
	}
	_, err := t.exec(ctx, `
		INSERT INTO blueprints (id, module_name, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE blueprints.version <> excluded.version OR blueprints.data <> excluded.data
	`, b.Name, b.Name, b.Version, b.Data, model.FormatTime(b.UpdatedAt))
	if err != nil {
		return fault.Storage("store.put_blueprint", fmt.Errorf("blueprint %q: %w", b.Name, err))
	}
	return nil
}

// PutRecord replaces a foundation record wholesale.
func (t *tx) PutRecord(ctx context.Context, r model.Record) error {
	if r.ID == "" {
		return fault.New(fault.CodeInvalid, "store.put_record", "empty record id")
	}
	_, err := t.exec(ctx, `
		INSERT INTO foundation_data (id, type, data, search_vector)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			search_vector = excluded.search_vector
	`, r.ID, string(r.Kind), r.Data, r.SearchVector)
	if err != nil {
		return fault.Storage("store.put_record", fmt.Errorf("record %q: %w", r.ID, err))
	}
	return nil
}

// InsertOperation appends an op_log entry. Unlike the upserts above this
// is a plain INSERT: an entry's kind and payload never change.
//
// A zero Seq is assigned MAX(seq)+1 inside the same transaction, which
// keeps seq monotonic across processes sharing the database file.
func (t *tx) InsertOperation(ctx context.Context, op model.Operation) (int64, error) {
	if op.ID == "" {
		return 0, fault.New(fault.CodeInvalid, "store.insert_operation", "empty operation id")
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}
	if op.Seq == 0 {
		if err := t.queryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM op_log`).Scan(&op.Seq); err != nil {
			return 0, fault.Storage("store.insert_operation", fmt.Errorf("next seq: %w", err))
		}
	}
	updatedAt := op.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = op.CreatedAt
	}
	_, err := t.exec(ctx, `
		INSERT INTO op_log (id, operation, payload, status, created_at, seq, updated_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		string(op.Kind),
		op.Payload,
		string(op.Status),
		model.FormatTime(op.CreatedAt),
		op.Seq,
		model.FormatTime(updatedAt),
		op.Attempts,
		op.LastError,
	)
	if err != nil {
		return 0, fault.Storage("store.insert_operation", fmt.Errorf("operation %q: %w", op.ID, err))
	}
	return op.Seq, nil
}

// TransitionOperation moves a PENDING entry to a terminal status. The
// status guard lives in the UPDATE itself so concurrent transitions cannot
// both succeed.
func (t *tx) TransitionOperation(ctx context.Context, id string, to model.Status, at time.Time, errText string) (bool, error) {
	if !to.Terminal() {
		return false, fault.New(fault.CodeInvalid, "store.transition_operation",
			fmt.Sprintf("cannot transition to %q", to))
	}

	query := `UPDATE op_log SET status = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`
	args := []any{string(to), model.FormatTime(at), id}
	if errText != "" {
		query = `UPDATE op_log SET status = ?, updated_at = ?, last_error = ? WHERE id = ? AND status = 'PENDING'`
		args = []any{string(to), model.FormatTime(at), errText, id}
	}

	n, err := t.exec(ctx, query, args...)
	if err != nil {
		return false, fault.Storage("store.transition_operation", fmt.Errorf("operation %q: %w", id, err))
	}
	if n > 0 {
		return true, nil
	}
	if err := t.mustExist(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordAttempt notes a failed delivery attempt without changing status.
func (t *tx) RecordAttempt(ctx context.Context, id, errText string, at time.Time) error {
	n, err := t.exec(ctx, `
		UPDATE op_log SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, errText, model.FormatTime(at), id)
	if err != nil {
		return fault.Storage("store.record_attempt", fmt.Errorf("operation %q: %w", id, err))
	}
	if n == 0 {
		return fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	return nil
}

// PutSyncState upserts a bookkeeping value.
func (t *tx) PutSyncState(ctx context.Context, key, value string, at time.Time) error {
	_, err := t.exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, model.FormatTime(at))
	if err != nil {
		return fault.Storage("store.put_sync_state", fmt.Errorf("key %q: %w", key, err))
	}
	return nil
}

func (t *tx) mustExist(ctx context.Context, id string) error {
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM op_log WHERE id = ?`, id).Scan(&n); err != nil {
		return fault.Storage("store.operation_exists", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	return nil
}
