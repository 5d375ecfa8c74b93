package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// StatusResult summarizes the local cache.
type StatusResult struct {
	Driver     string            `json:"driver"`
	Blueprints int               `json:"blueprints"`
	Records    map[string]int    `json:"records"`
	Operations map[string]int    `json:"operations"`
	SyncState  map[string]string `json:"sync_state"`
}

var statusKinds = []model.Kind{model.KindSite, model.KindAsset, model.KindPerson, model.KindActionItem}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the local cache holds",
		Long: `Show blueprint and record counts, the operation log by status, and the
bookkeeping of the last applied bundle.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	res, err := readStatus(ctx, a.store)
	if err != nil {
		return formatter.Fault("status failed", err)
	}
	res.Driver = a.cfg.Storage.Driver

	counts, err := a.opLog().Counts(ctx)
	if err != nil {
		return formatter.Fault("status failed", err)
	}
	for st, n := range counts {
		res.Operations[string(st)] = n
	}
	return formatter.Result(res, renderStatus(res))
}

func readStatus(ctx context.Context, s store.Store) (StatusResult, error) {
	res := StatusResult{
		Records:    make(map[string]int),
		Operations: make(map[string]int),
		SyncState:  make(map[string]string),
	}
	err := s.View(ctx, func(tx store.ReadTx) error {
		var err error
		if res.Blueprints, err = tx.CountBlueprints(ctx); err != nil {
			return err
		}
		total, err := tx.CountRecords(ctx, "")
		if err != nil {
			return err
		}
		known := 0
		for _, kind := range statusKinds {
			n, err := tx.CountRecords(ctx, kind)
			if err != nil {
				return err
			}
			res.Records[string(kind)] = n
			known += n
		}
		if other := total - known; other > 0 {
			res.Records["other"] = other
		}
		for _, key := range store.SyncStateKeys {
			v, err := tx.SyncState(ctx, key)
			if err != nil {
				if fault.IsNotFound(err) {
					continue
				}
				return err
			}
			res.SyncState[key] = v
		}
		return nil
	})
	if err != nil {
		return res, fault.Storage("cli.status", err)
	}
	return res, nil
}

func renderStatus(res StatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "store:       %s\n", res.Driver)
	fmt.Fprintf(&b, "blueprints:  %d\n", res.Blueprints)
	b.WriteString("records:    ")
	for _, kind := range statusKinds {
		fmt.Fprintf(&b, " %s=%d", kind, res.Records[string(kind)])
	}
	if n := res.Records["other"]; n > 0 {
		fmt.Fprintf(&b, " other=%d", n)
	}
	fmt.Fprintf(&b, "\noperations:  pending=%d synced=%d failed=%d\n",
		res.Operations[string(model.StatusPending)],
		res.Operations[string(model.StatusSynced)],
		res.Operations[string(model.StatusFailed)])
	if last, ok := res.SyncState[model.StateLastSuccessAt]; ok {
		fmt.Fprintf(&b, "last sync:   %s (bundle %s)", last, res.SyncState[model.StateBundleHash])
	} else {
		b.WriteString("last sync:   never")
	}
	return b.String()
}
