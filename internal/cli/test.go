package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string
	Update bool
}

// TestReport is the outcome of a scenario run.
type TestReport struct {
	harness.SuiteResult
	Updated []string `json:"updated,omitempty"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-path>...",
		Short: "Run conformance scenarios against a fresh runtime",
		Long: `Run YAML scenarios through the full runtime on a temporary database.

Each path is a scenario file or a directory searched for *.yaml and *.yml.
When <dir>/golden/<name>.golden exists next to a scenario, the WAL trace
must match it byte for byte. --update rewrites those files instead.

Example:
  intentd test ./scenarios
  intentd test ./scenarios --filter upload --update`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name or path contains this")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden trace files")
	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	files, err := harness.DiscoverScenarios(paths...)
	if err != nil {
		var nf *harness.ScenarioNotFoundError
		if errors.As(err, &nf) {
			return WrapExitError(ExitCommandError, "scenario not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to discover scenarios", err)
	}

	ctx := commandContext(cmd)
	out := opts.formatter(cmd)
	report := &TestReport{}

	for _, path := range files {
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			if opts.Filter != "" && !strings.Contains(path, opts.Filter) {
				continue
			}
			report.record(path, "", []string{fmt.Sprintf("failed to load scenario: %v", err)})
			continue
		}
		if opts.Filter != "" && !strings.Contains(path, opts.Filter) && !strings.Contains(scenario.Name, opts.Filter) {
			continue
		}

		out.VerboseLog("running %s (%s)", scenario.Name, path)
		result, err := harness.Run(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return WrapExitError(ExitCommandError, "interrupted", ctx.Err())
			}
			report.record(path, scenario.Name, []string{fmt.Sprintf("scenario execution failed: %v", err)})
			continue
		}

		errs := result.Errors
		if result.Pass {
			updated, gerr := checkGolden(path, scenario.Name, result, opts.Update)
			if gerr != nil {
				errs = append(errs, gerr.Error())
			}
			if updated != "" {
				report.Updated = append(report.Updated, updated)
			}
		}
		report.record(path, scenario.Name, errs)
	}

	if err := out.Emit(report, func(w io.Writer) { printReport(w, report) }); err != nil {
		return err
	}
	if report.Total == 0 {
		return NewExitError(ExitCommandError, "no scenarios matched")
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

func (r *TestReport) record(path, name string, errs []string) {
	r.Total++
	if len(errs) == 0 {
		r.Passed++
		return
	}
	r.Failed++
	r.Failures = append(r.Failures, harness.ScenarioFailure{ScenarioPath: path, Scenario: name, Errors: errs})
}

// goldenPath is <scenario dir>/golden/<name>.golden.
func goldenPath(scenarioPath, name string) string {
	return filepath.Join(filepath.Dir(scenarioPath), "golden", name+".golden")
}

// checkGolden compares the run's snapshot with its golden file, or writes
// the file when update is set. It returns the path it wrote, if any.
func checkGolden(scenarioPath, name string, result *harness.Result, update bool) (string, error) {
	data, err := harness.Snapshot(name, result)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	path := goldenPath(scenarioPath, name)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("write golden: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write golden: %w", err)
		}
		return path, nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read golden: %w", err)
	}
	if !bytes.Equal(want, data) {
		return "", fmt.Errorf("trace differs from %s (rerun with --update to accept)", path)
	}
	return "", nil
}

func printReport(w io.Writer, r *TestReport) {
	for _, f := range r.Failures {
		label := f.Scenario
		if label == "" {
			label = f.ScenarioPath
		}
		fmt.Fprintf(w, "FAIL %s (%s)\n", label, f.ScenarioPath)
		for _, e := range f.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	for _, p := range r.Updated {
		fmt.Fprintf(w, "updated %s\n", p)
	}
	fmt.Fprintf(w, "%d scenarios: %d passed, %d failed\n", r.Total, r.Passed, r.Failed)
}
