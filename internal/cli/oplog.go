package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// OperationView is the JSON shape of an op_log entry.
type OperationView struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
	Seq       int64           `json:"seq"`
	UpdatedAt string          `json:"updated_at,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

func newOperationView(op model.Operation) OperationView {
	v := OperationView{
		ID:        op.ID,
		Operation: string(op.Kind),
		Payload:   json.RawMessage(op.Payload),
		Status:    string(op.Status),
		CreatedAt: model.FormatTime(op.CreatedAt),
		Seq:       op.Seq,
		Attempts:  op.Attempts,
		LastError: op.LastError,
	}
	if !op.UpdatedAt.IsZero() {
		v.UpdatedAt = model.FormatTime(op.UpdatedAt)
	}
	return v
}

func renderOperations(ops []OperationView) string {
	if len(ops) == 0 {
		return "no operations"
	}
	var b strings.Builder
	for i, op := range ops {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d  %s  %-14s %-8s %s", op.Seq, op.ID, op.Operation, op.Status, op.CreatedAt)
		if op.LastError != "" {
			fmt.Fprintf(&b, "  last error: %s", op.LastError)
		}
	}
	return b.String()
}

func renderOperation(op OperationView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id:         %s\n", op.ID)
	fmt.Fprintf(&b, "operation:  %s\n", op.Operation)
	fmt.Fprintf(&b, "status:     %s\n", op.Status)
	fmt.Fprintf(&b, "created_at: %s (seq %d)\n", op.CreatedAt, op.Seq)
	if op.UpdatedAt != "" {
		fmt.Fprintf(&b, "updated_at: %s\n", op.UpdatedAt)
	}
	if op.Attempts > 0 {
		fmt.Fprintf(&b, "attempts:   %d (last error: %s)\n", op.Attempts, op.LastError)
	}
	fmt.Fprintf(&b, "payload:    %s", op.Payload)
	return b.String()
}

// NewOplogCommand creates the oplog command group.
func NewOplogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oplog",
		Short: "Inspect and edit the local operation log",
	}
	cmd.AddCommand(newOplogAppendCommand(rootOpts))
	cmd.AddCommand(newOplogPendingCommand(rootOpts))
	cmd.AddCommand(newOplogListCommand(rootOpts))
	cmd.AddCommand(newOplogShowCommand(rootOpts))
	cmd.AddCommand(newOplogMarkCommand(rootOpts))
	return cmd
}

func newOplogAppendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <OPERATION> <payload-json|->",
		Short: "Append a PENDING operation",
		Long: `Append an operation to the log. The payload is a JSON object, given
inline or read from stdin with "-".

Example:
  fieldsync oplog append CREATE_RECORD '{"module":"incidents","severity":"high"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			raw := []byte(args[1])
			if args[1] == "-" {
				var err error
				if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return WrapExitError(ExitCommandError, "failed to read payload", err)
				}
			}
			payload, err := model.DecodeJSON(raw)
			if err != nil {
				return formatter.Fault("invalid payload", fault.Wrap(fault.CodeInvalid, "cli.oplog_append", err))
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.opLog().Append(commandContext(cmd), model.OpKind(args[0]), payload)
			if err != nil {
				return formatter.Fault("append failed", err)
			}
			return formatter.Result(map[string]string{"id": id}, id)
		},
	}
}

func newOplogPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pending",
		Short:         "List PENDING operations in FIFO order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOplogList(rootOpts, cmd, store.OperationFilter{Status: model.StatusPending})
		},
	}
}

func newOplogListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List operations in FIFO order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.Status(strings.ToUpper(status))
			if st != "" && !st.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q: must be PENDING, SYNCED or FAILED", status))
			}
			return runOplogList(rootOpts, cmd, store.OperationFilter{Status: st, Limit: limit})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only entries with this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries (0 = all)")
	return cmd
}

func runOplogList(opts *RootOptions, cmd *cobra.Command, f store.OperationFilter) error {
	formatter := opts.formatter(cmd)
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ops, err := a.opLog().List(commandContext(cmd), f)
	if err != nil {
		return formatter.Fault("list failed", err)
	}
	views := make([]OperationView, len(ops))
	for i, op := range ops {
		views[i] = newOperationView(op)
	}
	return formatter.Result(views, renderOperations(views))
}

func newOplogShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.opLog().Get(commandContext(cmd), args[0])
			if err != nil {
				return formatter.Fault("show failed", err)
			}
			v := newOperationView(op)
			return formatter.Result(v, renderOperation(v))
		},
	}
}

func newOplogMarkCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "mark <id> <synced|failed>",
		Short: "Resolve a PENDING operation by hand",
		Long: `Move a PENDING operation to SYNCED or FAILED. Marking an already
resolved operation is a no-op.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			to := model.Status(strings.ToUpper(args[1]))
			if to != model.StatusSynced && to != model.StatusFailed {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid target status %q: must be synced or failed", args[1]))
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			l := a.opLog()
			if to == model.StatusSynced {
				err = l.MarkSynced(ctx, args[0])
			} else {
				err = l.MarkFailed(ctx, args[0], reason)
			}
			if err != nil {
				return formatter.Fault("mark failed", err)
			}
			op, err := l.Get(ctx, args[0])
			if err != nil {
				return formatter.Fault("mark failed", err)
			}
			v := newOperationView(op)
			return formatter.Result(v, op.ID+" "+string(op.Status))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "marked failed by hand", "failure reason recorded with failed")
	return cmd
}
