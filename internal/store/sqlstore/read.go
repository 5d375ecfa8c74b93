package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// tx implements store.Tx over a database/sql transaction.
type tx struct {
	tx *sql.Tx
	d  dialect
}

const (
	blueprintColumns = "module_name, version, data, updated_at"
	recordColumns    = "id, type, data, search_vector"
	operationColumns = "id, operation, payload, status, created_at, seq, updated_at, attempts, last_error"
)

type scanner interface {
	Scan(dest ...any) error
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// Blueprint returns the blueprint for a module name.
func (t *tx) Blueprint(ctx context.Context, name string) (model.Blueprint, error) {
	row := t.queryRow(ctx, `SELECT `+blueprintColumns+` FROM blueprints WHERE module_name = ?`, name)
	b, err := scanBlueprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Blueprint{}, fmt.Errorf("blueprint %q: %w", name, fault.ErrNotFound)
	}
	if err != nil {
		return model.Blueprint{}, fault.Storage("store.blueprint", err)
	}
	return b, nil
}

// Blueprints returns every blueprint ordered by module name.
//
// Returns an empty slice (not nil) if none exist.
func (t *tx) Blueprints(ctx context.Context) ([]model.Blueprint, error) {
	query, args := selectQuery{
		columns: blueprintColumns,
		from:    "blueprints",
		orderBy: "module_name " + t.d.collate + " ASC",
	}.compile(t.d)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("store.blueprints", fmt.Errorf("query blueprints: %w", err))
	}
	defer rows.Close()

	blueprints := []model.Blueprint{}
	for rows.Next() {
		b, err := scanBlueprint(rows)
		if err != nil {
			return nil, fault.Storage("store.blueprints", err)
		}
		blueprints = append(blueprints, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("store.blueprints", fmt.Errorf("iterate blueprints: %w", err))
	}
	return blueprints, nil
}

func (t *tx) CountBlueprints(ctx context.Context) (int, error) {
	query, args := countQuery(t.d, "blueprints", nil)
	return t.count(ctx, "store.count_blueprints", query, args)
}

// Record returns a foundation record by id.
func (t *tx) Record(ctx context.Context, id string) (model.Record, error) {
	row := t.queryRow(ctx, `SELECT `+recordColumns+` FROM foundation_data WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("record %q: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fault.Storage("store.record", err)
	}
	return r, nil
}

func (t *tx) CountRecords(ctx context.Context, kind model.Kind) (int, error) {
	var where and
	if kind != "" {
		where = append(where, equals{"type", string(kind)})
	}
	query, args := countQuery(t.d, "foundation_data", where)
	return t.count(ctx, "store.count_records", query, args)
}

// ScanRecords returns records matching q ordered by id.
//
// Returns an empty slice (not nil) if nothing matches.
func (t *tx) ScanRecords(ctx context.Context, q store.RecordQuery) ([]model.Record, error) {
	var where and
	if q.Kind != "" {
		where = append(where, equals{"type", string(q.Kind)})
	}
	if q.Contains != "" {
		where = append(where, contains{"search_vector", q.Contains})
	}
	query, args := selectQuery{
		columns: recordColumns,
		from:    "foundation_data",
		where:   where,
		orderBy: "id " + t.d.collate + " ASC",
		limit:   q.Limit,
	}.compile(t.d)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("store.scan_records", fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Storage("store.scan_records", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("store.scan_records", fmt.Errorf("iterate records: %w", err))
	}
	return records, nil
}

// Operation returns an op_log entry by id.
func (t *tx) Operation(ctx context.Context, id string) (model.Operation, error) {
	row := t.queryRow(ctx, `SELECT `+operationColumns+` FROM op_log WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, fmt.Errorf("operation %q: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return model.Operation{}, fault.Storage("store.operation", err)
	}
	return op, nil
}

// Operations returns op_log entries in FIFO order: created_at, then seq,
// then id as a final tiebreaker.
//
// Returns an empty slice (not nil) if nothing matches.
func (t *tx) Operations(ctx context.Context, f store.OperationFilter) ([]model.Operation, error) {
	var where and
	if f.Status != "" {
		where = append(where, equals{"status", string(f.Status)})
	}
	query, args := selectQuery{
		columns: operationColumns,
		from:    "op_log",
		where:   where,
		orderBy: "created_at ASC, seq ASC, id " + t.d.collate + " ASC",
		limit:   f.Limit,
	}.compile(t.d)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Storage("store.operations", fmt.Errorf("query op_log: %w", err))
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fault.Storage("store.operations", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("store.operations", fmt.Errorf("iterate op_log: %w", err))
	}
	return ops, nil
}

func (t *tx) CountOperations(ctx context.Context, status model.Status) (int, error) {
	var where and
	if status != "" {
		where = append(where, equals{"status", string(status)})
	}
	query, args := countQuery(t.d, "op_log", where)
	return t.count(ctx, "store.count_operations", query, args)
}

// SyncState returns a bookkeeping value.
func (t *tx) SyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := t.queryRow(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync state %q: %w", key, fault.ErrNotFound)
	}
	if err != nil {
		return "", fault.Storage("store.sync_state", err)
	}
	return value, nil
}

func (t *tx) count(ctx context.Context, op, query string, args []any) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fault.Storage(op, err)
	}
	return n, nil
}

func scanBlueprint(s scanner) (model.Blueprint, error) {
	var (
		b         model.Blueprint
		updatedAt string
	)
	if err := s.Scan(&b.Name, &b.Version, &b.Data, &updatedAt); err != nil {
		return model.Blueprint{}, err
	}
	ts, err := model.ParseTime(updatedAt)
	if err != nil {
		return model.Blueprint{}, fmt.Errorf("blueprint %q updated_at: %w", b.Name, err)
	}
	b.UpdatedAt = ts
	return b, nil
}

func scanRecord(s scanner) (model.Record, error) {
	var (
		r    model.Record
		kind string
	)
	if err := s.Scan(&r.ID, &kind, &r.Data, &r.SearchVector); err != nil {
		return model.Record{}, err
	}
	r.Kind = model.Kind(kind)
	return r, nil
}

func scanOperation(s scanner) (model.Operation, error) {
	var (
		op                   model.Operation
		kind, status         string
		createdAt, updatedAt string
	)
	err := s.Scan(&op.ID, &kind, &op.Payload, &status, &createdAt, &op.Seq, &updatedAt, &op.Attempts, &op.LastError)
	if err != nil {
		return model.Operation{}, err
	}
	op.Kind = model.OpKind(kind)
	op.Status = model.Status(status)
	if op.CreatedAt, err = model.ParseTime(createdAt); err != nil {
		return model.Operation{}, fmt.Errorf("operation %q created_at: %w", op.ID, err)
	}
	if op.UpdatedAt, err = model.ParseTime(updatedAt); err != nil {
		return model.Operation{}, fmt.Errorf("operation %q updated_at: %w", op.ID, err)
	}
	return op, nil
}
