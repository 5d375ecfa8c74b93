package bundle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

const tracerName = "github.com/roach88/fieldsync/internal/bundle"

// Result summarizes an applied bundle.
type Result struct {
	Hash            string
	Blueprints      int
	ActionItems     int
	Foundation      map[model.Kind]int
	People          int
	Skipped         []string // blueprints kept because the stored version is newer
	ServerTimestamp string
}

// Records returns the number of foundation_data rows written.
func (r Result) Records() int {
	n := r.ActionItems + r.People
	for _, c := range r.Foundation {
		n += c
	}
	return n
}

// Ingester applies bundles to a store.
type Ingester struct {
	store       store.Store
	log         *zap.Logger
	now         model.NowFunc
	versionGate bool
	tracer      trace.Tracer
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(in *Ingester) {
		if logger != nil {
			in.log = logger
		}
	}
}

// WithNow pins the clock used for updated_at and last_success_at.
func WithNow(now model.NowFunc) Option {
	return func(in *Ingester) {
		if now != nil {
			in.now = now
		}
	}
}

// WithVersionGate keeps a stored blueprint when the incoming one carries a
// lower version. Without it the last pull wins.
func WithVersionGate(enabled bool) Option {
	return func(in *Ingester) { in.versionGate = enabled }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(in *Ingester) {
		if t != nil {
			in.tracer = t
		}
	}
}

// NewIngester creates an ingester writing to s.
func NewIngester(s store.Store, opts ...Option) *Ingester {
	in := &Ingester{
		store:  s,
		log:    zap.NewNop(),
		now:    model.SystemNow,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Apply writes every tier of b in one unit of work, in tier order:
// blueprints and action items, then each priority_2 kind, then people,
// then sync state. There are no retries here; a failure rolls everything
// back and is returned classified.
func (in *Ingester) Apply(ctx context.Context, b *Bundle) (Result, error) {
	ctx, span := in.tracer.Start(ctx, "bundle.apply", trace.WithAttributes(
		attribute.String("bundle.hash", b.Hash),
		attribute.Int("bundle.blueprints", len(b.Blueprints)),
	))
	defer span.End()

	now := in.now()
	var res Result
	err := in.store.Update(ctx, func(tx store.Tx) error {
		res = Result{
			Hash:            b.Hash,
			Foundation:      make(map[model.Kind]int),
			ServerTimestamp: b.ServerTimestamp,
		}
		if err := in.applyTier1(ctx, tx, b, now, &res); err != nil {
			return fmt.Errorf("tier 1: %w", err)
		}
		if err := in.applyTier2(ctx, tx, b, &res); err != nil {
			return fmt.Errorf("tier 2: %w", err)
		}
		if err := in.applyTier3(ctx, tx, b, &res); err != nil {
			return fmt.Errorf("tier 3: %w", err)
		}
		return in.writeSyncState(ctx, tx, b, now)
	})
	if err != nil {
		err = fault.Storage("bundle.apply", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		in.log.Warn("bundle rolled back", zap.String("hash", b.Hash), zap.Error(err))
		return Result{}, err
	}

	span.SetAttributes(attribute.Int("bundle.records", res.Records()))
	in.log.Info("bundle applied",
		zap.String("hash", b.Hash),
		zap.Int("blueprints", res.Blueprints),
		zap.Int("records", res.Records()),
		zap.Strings("skipped", res.Skipped),
	)
	return res, nil
}

func (in *Ingester) applyTier1(ctx context.Context, tx store.Tx, b *Bundle, now time.Time, res *Result) error {
	for _, bp := range b.Blueprints {
		name, _ := bp["name"].(string)
		version, err := blueprintVersion(bp)
		if err != nil {
			return fault.Wrap(fault.CodeMalformed, "bundle.apply", fmt.Errorf("blueprint %q: %w", name, err))
		}
		data, err := model.CanonicalString(bp)
		if err != nil {
			return fault.Wrap(fault.CodeMalformed, "bundle.apply", fmt.Errorf("blueprint %q: %w", name, err))
		}

		if in.versionGate {
			current, err := tx.Blueprint(ctx, name)
			switch {
			case err == nil && current.Version > version:
				res.Skipped = append(res.Skipped, name)
				continue
			case err != nil && !fault.IsNotFound(err):
				return err
			}
		}

		if err := tx.PutBlueprint(ctx, model.Blueprint{
			Name:      name,
			Version:   version,
			Data:      data,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		res.Blueprints++
	}
	sort.Strings(res.Skipped)

	n, err := putRecords(ctx, tx, model.KindActionItem, b.ActionItems)
	res.ActionItems = n
	return err
}

// applyTier2 writes each priority_2 kind as one batch, kinds in sorted
// order so the write sequence is deterministic.
func (in *Ingester) applyTier2(ctx context.Context, tx store.Tx, b *Bundle, res *Result) error {
	for _, kind := range b.Kinds() {
		n, err := putRecords(ctx, tx, kind, b.Foundation[kind])
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		res.Foundation[kind] = n
	}
	return nil
}

func (in *Ingester) applyTier3(ctx context.Context, tx store.Tx, b *Bundle, res *Result) error {
	n, err := putRecords(ctx, tx, model.KindPerson, b.People)
	res.People = n
	return err
}

func (in *Ingester) writeSyncState(ctx context.Context, tx store.Tx, b *Bundle, now time.Time) error {
	if err := tx.PutSyncState(ctx, model.StateBundleHash, b.Hash, now); err != nil {
		return err
	}
	if b.ServerTimestamp != "" {
		if err := tx.PutSyncState(ctx, model.StateServerTimestamp, b.ServerTimestamp, now); err != nil {
			return err
		}
	}
	return tx.PutSyncState(ctx, model.StateLastSuccessAt, model.FormatTime(now), now)
}

func putRecords(ctx context.Context, tx store.Tx, kind model.Kind, items []Entity) (int, error) {
	for i, item := range items {
		rec, err := model.NewRecord(kind, item)
		if err != nil {
			return i, fault.Wrap(fault.CodeMalformed, "bundle.apply", err)
		}
		if err := tx.PutRecord(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
