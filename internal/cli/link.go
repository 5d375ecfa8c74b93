package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/handshake"
)

// LinkResult is returned by the link command.
type LinkResult struct {
	OperationID string `json:"operation_id"`
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
}

// NewLinkCommand creates the link command.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "link <source-id> <target-id>",
		Short: "Record a link between two entities",
		Long: `Record a LINK_ENTITY operation connecting a local entity to a cached
record. The target must exist in the local cache; nothing is recorded
otherwise.

Example:
  fieldsync link incident_7 site_1 --meta role=location`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(rootOpts, cmd, args[0], args[1], meta)
		},
	}

	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "extra payload fields (key=value)")
	return cmd
}

func runLink(opts *RootOptions, cmd *cobra.Command, sourceID, targetID string, meta map[string]string) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	extra := make(map[string]any, len(meta))
	for k, v := range meta {
		extra[k] = v
	}
	id, err := handshake.New(a.index(), a.opLog(), a.log).Link(commandContext(cmd), sourceID, targetID, extra)
	if err != nil {
		return formatter.Fault("link failed", err)
	}
	return formatter.Result(
		LinkResult{OperationID: id, SourceID: sourceID, TargetID: targetID},
		"linked "+sourceID+" -> "+targetID+" (operation "+id+")")
}
