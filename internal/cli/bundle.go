package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/bundle"
	"github.com/roach88/fieldsync/internal/fault"
)

// ValidationResult holds bundle validation results.
type ValidationResult struct {
	Valid       bool                     `json:"valid"`
	Hash        string                   `json:"hash,omitempty"`
	Blueprints  int                      `json:"blueprints"`
	ActionItems int                      `json:"action_items"`
	People      int                      `json:"people"`
	Foundation  map[string]int           `json:"foundation,omitempty"`
	Errors      []bundle.ValidationError `json:"errors,omitempty"`
}

// ApplyResult is returned by bundle apply.
type ApplyResult struct {
	Hash       string   `json:"hash"`
	Blueprints int      `json:"blueprints"`
	Records    int      `json:"records"`
	Skipped    []string `json:"skipped,omitempty"`
}

// NewBundleCommand creates the bundle command group.
func NewBundleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Validate or apply bundle files",
	}
	cmd.AddCommand(newBundleValidateCommand(rootOpts))
	cmd.AddCommand(newBundleApplyCommand(rootOpts))
	return cmd
}

func newBundleValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a bundle file against the bundle schema",
		Long: `Check a JSON or YAML bundle file against the bundle schema without
touching the local store.

Example:
  fieldsync bundle validate ./kits/site-survey.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundleValidate(rootOpts, cmd, args[0])
		},
	}
}

func runBundleValidate(opts *RootOptions, cmd *cobra.Command, path string) error {
	formatter := opts.formatter(cmd)

	b, err := readBundle(path)
	if err != nil {
		if fault.IsMalformed(err) {
			return outputValidationErrors(formatter, err)
		}
		return formatter.Fault("failed to read bundle", err)
	}

	formatter.VerboseLog("bundle %s: hash %s", path, b.Hash)
	res := ValidationResult{
		Valid:       true,
		Hash:        b.Hash,
		Blueprints:  len(b.Blueprints),
		ActionItems: len(b.ActionItems),
		People:      len(b.People),
		Foundation:  make(map[string]int),
	}
	for kind, items := range b.Foundation {
		res.Foundation[string(kind)] = len(items)
	}
	text := fmt.Sprintf("✓ bundle valid: %d blueprints, %d action items, %d people", res.Blueprints, res.ActionItems, res.People)
	for _, kind := range b.Kinds() {
		text += fmt.Sprintf(", %d %s", len(b.Foundation[kind]), kind)
	}
	return formatter.Result(res, text)
}

// outputValidationErrors lists every schema violation and fails with
// ExitFailure.
func outputValidationErrors(formatter *OutputFormatter, err error) error {
	var verrs bundle.ValidationErrors
	if !errors.As(err, &verrs) {
		verrs = bundle.ValidationErrors{{Message: err.Error()}}
	}

	if formatter.Format == "json" {
		_ = formatter.Error(string(fault.CodeMalformed), "bundle rejected", ValidationResult{Valid: false, Errors: verrs})
	} else {
		var b strings.Builder
		b.WriteString("✗ bundle rejected\n")
		for _, e := range verrs {
			fmt.Fprintf(&b, "  %s\n", e.Error())
		}
		formatter.StatusLine(strings.TrimSuffix(b.String(), "\n"), err)
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("bundle rejected with %d error(s)", len(verrs)), err)
}

func newBundleApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a bundle file to the local store",
		Long: `Apply a JSON or YAML bundle file exactly as a pulled bundle would be
applied, for seeding a device without connectivity.

Example:
  fieldsync bundle apply ./kits/site-survey.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundleApply(rootOpts, cmd, args[0])
		},
	}
}

func runBundleApply(opts *RootOptions, cmd *cobra.Command, path string) error {
	formatter := opts.formatter(cmd)

	b, err := readBundle(path)
	if err != nil {
		if fault.IsMalformed(err) {
			return outputValidationErrors(formatter, err)
		}
		return formatter.Fault("failed to read bundle", err)
	}

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.ingester().Apply(commandContext(cmd), b)
	if err != nil {
		return formatter.Fault("apply failed", err)
	}
	out := ApplyResult{Hash: res.Hash, Blueprints: res.Blueprints, Records: res.Records(), Skipped: res.Skipped}
	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	formatter.StatusLine(fmt.Sprintf("applied %s: %d blueprints, %d records", path, out.Blueprints, out.Records), nil)
	return nil
}

func readBundle(path string) (*bundle.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalid, "cli.read_bundle", err)
	}
	defer f.Close()
	return bundle.DecodeAuto(f, path)
}
