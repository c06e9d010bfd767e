package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/app"
	"github.com/roach88/intentd/internal/policy"
)

// PolicyOptions holds flags shared by the policy commands.
type PolicyOptions struct {
	*RootOptions
	File        string
	TenantID    string
	SolutionID  string
	ResultTypes []string
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check and evaluate materialization policy tables",
	}
	cmd.PersistentFlags().StringVar(&opts.File, "file", "", "policy table, .yaml or .cue (default $INTENTD_POLICY_FILE, then built-in)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Load a policy table and report errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, source, err := opts.load()
			if err != nil {
				return err
			}
			summary := map[string]any{
				"source":    source,
				"defaults":  len(table.Defaults),
				"overrides": len(table.Overrides),
			}
			return opts.formatter(cmd).Emit(summary, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d defaults, %d overrides\n", source, len(table.Defaults), len(table.Overrides))
			})
		},
	}

	eval := &cobra.Command{
		Use:   "eval",
		Short: "Print the decision for result types under a tenant and solution",
		Long: `Evaluate the policy table for each result type.

Resolution order is the tenant+solution override, then the tenant-wide
override, then the table default. Unmatched result types are discarded.

Example:
  intentd policy eval --file policy.yaml --tenant acme --result-type preview
  intentd policy eval --tenant acme --solution reports --result-type upload,text_stats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyEval(opts, cmd)
		},
	}
	eval.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID")
	eval.Flags().StringVar(&opts.SolutionID, "solution", "", "solution ID")
	eval.Flags().StringSliceVar(&opts.ResultTypes, "result-type", nil, "result types to evaluate (default: every type the table names)")

	cmd.AddCommand(check, eval)
	return cmd
}

// load reads the table named by --file or the environment, or returns the
// built-in table.
func (o *PolicyOptions) load() (*policy.Table, string, error) {
	path := o.File
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, "", err
		}
		path = cfg.PolicyFile
	}
	if path == "" {
		return app.DefaultPolicy(), "built-in", nil
	}
	table, err := policy.LoadFile(path)
	if err != nil {
		return nil, path, WrapExitError(ExitFailure, "invalid policy table", err)
	}
	return table, path, nil
}

// PolicyDecision is one evaluated result type.
type PolicyDecision struct {
	ResultType string `json:"result_type"`
	Action     string `json:"action"`
	Decision   string `json:"decision"`
}

func runPolicyEval(opts *PolicyOptions, cmd *cobra.Command) error {
	table, _, err := opts.load()
	if err != nil {
		return err
	}

	types := opts.ResultTypes
	if len(types) == 0 {
		types = tableResultTypes(table)
	}

	decisions := make([]PolicyDecision, 0, len(types))
	for _, rt := range types {
		d := policy.Evaluate(policy.Input{ResultType: rt, TenantID: opts.TenantID, SolutionID: opts.SolutionID}, table)
		decisions = append(decisions, PolicyDecision{ResultType: rt, Action: string(d.Action()), Decision: d.String()})
	}

	return opts.formatter(cmd).Emit(decisions, func(w io.Writer) {
		for _, d := range decisions {
			fmt.Fprintf(w, "%-16s %s\n", d.ResultType, d.Decision)
		}
	})
}

// tableResultTypes lists every result type named by defaults or overrides.
func tableResultTypes(t *policy.Table) []string {
	seen := map[string]bool{}
	for rt := range t.Defaults {
		seen[rt] = true
	}
	for _, o := range t.Overrides {
		for rt := range o.Rules {
			seen[rt] = true
		}
	}
	out := make([]string, 0, len(seen))
	for rt := range seen {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}
