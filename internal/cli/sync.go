package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/syncer"
)

// SyncResult is the JSON shape of one cycle's report.
type SyncResult struct {
	OK         bool           `json:"ok"`
	Summary    string         `json:"summary"`
	Source     string         `json:"source"`
	DurationMS int64          `json:"duration_ms"`
	BundleHash string         `json:"bundle_hash,omitempty"`
	Blueprints int            `json:"blueprints"`
	Records    int            `json:"records"`
	Skipped    []string       `json:"skipped,omitempty"`
	Pushed     int            `json:"pushed"`
	Rejected   int            `json:"rejected"`
	Pending    int            `json:"pending"`
	Error      *CLIError      `json:"error,omitempty"`
	ByKind     map[string]int `json:"by_kind,omitempty"`
}

func newSyncResult(rep syncer.Report) SyncResult {
	res := SyncResult{
		OK:         rep.OK(),
		Summary:    rep.Summary(),
		Source:     rep.Source,
		DurationMS: rep.Duration.Milliseconds(),
		BundleHash: rep.Ingest.Hash,
		Blueprints: rep.Ingest.Blueprints,
		Records:    rep.Ingest.Records(),
		Skipped:    rep.Ingest.Skipped,
		Pushed:     rep.Pushed.Synced,
		Rejected:   rep.Pushed.Failed,
		Pending:    rep.Pending,
	}
	if rep.Err != nil {
		res.Error = &CLIError{Code: string(fault.CodeOf(rep.Err)), Message: rep.Err.Error()}
	}
	if rep.OK() {
		res.ByKind = map[string]int{
			"action_item": rep.Ingest.ActionItems,
			"person":      rep.Ingest.People,
		}
		for kind, n := range rep.Ingest.Foundation {
			res.ByKind[string(kind)] = n
		}
	}
	return res
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Run one sync cycle: push pending operations when a push endpoint is
configured, then pull the current bundle and apply it.

Exit status is 0 when every phase succeeded and 1 otherwise.

Example:
  fieldsync sync
  fieldsync sync --config ./fieldsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	c, err := a.coordinator(ctx, nil)
	if err != nil {
		return formatter.Fault("failed to configure remote", err)
	}

	formatter.VerboseLog("remote source: %s", a.cfg.Remote.Source)
	rep := c.Run(ctx)

	if formatter.Format == "json" {
		if err := formatter.Success(newSyncResult(rep)); err != nil {
			return err
		}
	} else {
		formatter.StatusLine(rep.Summary(), rep.Err)
	}
	if !rep.OK() {
		return WrapExitError(ExitFailure, "sync failed", rep.Err)
	}
	return nil
}
