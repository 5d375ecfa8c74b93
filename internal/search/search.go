// Package search answers substring queries over cached foundation records.
//
// Matching runs against the stored search_vector, which is the folded
// display label of each record. Results are capped at MaxResults and
// ordered by record id. Answers are cached per store generation, so any
// committed write invalidates every cached answer.
package search

import (
	"context"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// MaxResults bounds every Search answer.
const MaxResults = 10

// Index searches a store.
type Index struct {
	store         store.Store
	caseSensitive bool
	cache         *lru.Cache[cacheKey, []model.Record]
	log           *zap.Logger
}

type cacheKey struct {
	generation uint64
	kind       model.Kind
	query      string
}

// Option configures an Index.
type Option func(*Index)

// WithCaseSensitive makes queries match the display label exactly as
// typed. The folded search_vector still narrows candidates first.
func WithCaseSensitive(on bool) Option {
	return func(ix *Index) { ix.caseSensitive = on }
}

// WithCacheSize sets the number of cached answers. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(ix *Index) {
		if n <= 0 {
			ix.cache = nil
			return
		}
		// lru.New only fails for a non-positive size.
		ix.cache, _ = lru.New[cacheKey, []model.Record](n)
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.log = logger
		}
	}
}

// New creates an Index with a 256-entry cache.
func New(s store.Store, opts ...Option) *Index {
	ix := &Index{store: s, log: zap.NewNop()}
	WithCacheSize(256)(ix)
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Search returns up to MaxResults records of kind whose search_vector
// contains query. An empty kind searches every kind. A blank query
// matches nothing.
func (ix *Index) Search(ctx context.Context, kind model.Kind, query string) ([]model.Record, error) {
	folded := model.FoldQuery(query)
	if folded == "" {
		return []model.Record{}, nil
	}

	key := cacheKey{generation: ix.store.Generation(), kind: kind, query: query}
	if ix.cache != nil {
		if hit, ok := ix.cache.Get(key); ok {
			return slices.Clone(hit), nil
		}
	}

	q := store.RecordQuery{Kind: kind, Contains: folded, Limit: MaxResults}
	if ix.caseSensitive {
		// The exact-case filter below can drop candidates, so the limit
		// is applied after it.
		q.Limit = 0
	}

	var out []model.Record
	err := ix.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		out, err = tx.ScanRecords(ctx, q)
		return err
	})
	if err != nil {
		return nil, fault.Storage("search.search", err)
	}
	if ix.caseSensitive {
		out = filterExact(out, strings.Join(strings.Fields(query), " "))
	}

	// A write committed during the scan bumps the generation; the answer
	// is then cached under the stale key and never read again.
	if ix.cache != nil {
		ix.cache.Add(key, slices.Clone(out))
	}
	ix.log.Debug("search",
		zap.String("kind", string(kind)),
		zap.String("query", query),
		zap.Int("results", len(out)))
	return out, nil
}

func filterExact(records []model.Record, query string) []model.Record {
	out := make([]model.Record, 0, min(len(records), MaxResults))
	for _, r := range records {
		display := strings.Join(strings.Fields(r.Display()), " ")
		if strings.Contains(display, query) {
			out = append(out, r)
			if len(out) == MaxResults {
				break
			}
		}
	}
	return out
}

// LinkIsValid reports whether a foundation record with targetID exists.
func (ix *Index) LinkIsValid(ctx context.Context, targetID string) (bool, error) {
	if _, err := ix.Lookup(ctx, targetID); err != nil {
		if fault.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Lookup returns one record by id.
func (ix *Index) Lookup(ctx context.Context, id string) (model.Record, error) {
	var r model.Record
	err := ix.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		r, err = tx.Record(ctx, id)
		return err
	})
	if err != nil {
		return model.Record{}, fault.Storage("search.lookup", err)
	}
	return r, nil
}
