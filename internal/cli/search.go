package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/search"
)

// RecordView is the JSON shape of a foundation record.
type RecordView struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Display  string          `json:"display"`
	Data     json.RawMessage `json:"data"`
	Distance *int            `json:"distance,omitempty"`
}

func newRecordView(r model.Record) RecordView {
	return RecordView{ID: r.ID, Kind: string(r.Kind), Display: r.Display(), Data: json.RawMessage(r.Data)}
}

func renderRecords(records []RecordView) string {
	if len(records) == 0 {
		return "no matches"
	}
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-12s %-24s %s", r.Kind, r.ID, r.Display)
		if r.Distance != nil {
			fmt.Fprintf(&b, "  (distance %d)", *r.Distance)
		}
	}
	return b.String()
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached foundation records",
		Long: fmt.Sprintf(`Search cached foundation records by display name.

Matching is a case-insensitive substring match unless search.case_sensitive
is set. At most %d records are returned, ordered by id.

Example:
  fieldsync search refinery
  fieldsync search --kind site "alpha mine"`, search.MaxResults),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(rootOpts, cmd, model.Kind(kind), args[0])
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "restrict to one kind (site, asset, person, action_item, ...)")
	return cmd
}

func runSearch(opts *RootOptions, cmd *cobra.Command, kind model.Kind, query string) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.index().Search(commandContext(cmd), kind, query)
	if err != nil {
		return formatter.Fault("search failed", err)
	}
	views := make([]RecordView, len(records))
	for i, r := range records {
		views[i] = newRecordView(r)
	}
	return formatter.Result(views, renderRecords(views))
}

// NewSuggestCommand creates the suggest command.
func NewSuggestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "suggest <query>",
		Short: "Suggest records close to a misspelled query",
		Long: `Rank cached records by edit distance to the query, for "did you mean"
hints when search finds nothing.

Example:
  fieldsync suggest refinary --kind site`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuggest(rootOpts, cmd, model.Kind(kind), args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "restrict to one kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 3, "number of suggestions")
	return cmd
}

func runSuggest(opts *RootOptions, cmd *cobra.Command, kind model.Kind, query string, limit int) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	suggestions, err := a.index().Suggest(commandContext(cmd), kind, query, limit)
	if err != nil {
		return formatter.Fault("suggest failed", err)
	}
	views := make([]RecordView, len(suggestions))
	for i, s := range suggestions {
		views[i] = newRecordView(s.Record)
		d := s.Distance
		views[i].Distance = &d
	}
	return formatter.Result(views, renderRecords(views))
}
