package search

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Suggestion is a near miss for a query that found nothing.
type Suggestion struct {
	Record   model.Record
	Distance int // edit distance between the folded query and the closest token
}

// Suggest returns the n records of kind whose display tokens are closest
// to query by edit distance. Ties are broken by record id.
func (ix *Index) Suggest(ctx context.Context, kind model.Kind, query string, n int) ([]Suggestion, error) {
	folded := model.FoldQuery(query)
	if folded == "" || n <= 0 {
		return []Suggestion{}, nil
	}

	var records []model.Record
	err := ix.store.View(ctx, func(tx store.ReadTx) error {
		var err error
		records, err = tx.ScanRecords(ctx, store.RecordQuery{Kind: kind})
		return err
	})
	if err != nil {
		return nil, fault.Storage("search.suggest", err)
	}

	out := make([]Suggestion, 0, len(records))
	for _, r := range records {
		out = append(out, Suggestion{Record: r, Distance: distance(folded, r.SearchVector)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// distance compares query with the whole vector and with each of its
// words, keeping the best match. A multi-word query is compared with the
// whole vector only.
func distance(query, vector string) int {
	best := levenshtein.ComputeDistance(query, vector)
	if strings.Contains(query, " ") {
		return best
	}
	for _, word := range strings.Fields(vector) {
		if d := levenshtein.ComputeDistance(query, word); d < best {
			best = d
		}
	}
	return best
}
