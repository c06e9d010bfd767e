package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/saga"
	"github.com/roach88/intentd/internal/store"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve executions left mid-flight by a crash",
		Long: `Run crash recovery without starting the server.

Executions that never reached their realm are run to completion; they fail
as interrupted only when their realm is no longer registered. Executions
that may have run their realm are compensated, and committed executions get
their saga closed. serve runs the same recovery on every boot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			report, err := rt.Manager.Recover(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "recovery failed", err)
			}
			if len(report.Resumed) > 0 {
				rt.Manager.Start(ctx)
				if err := rt.Manager.Shutdown(ctx); err != nil {
					return WrapExitError(ExitFailure, "resumed executions did not finish", err)
				}
			}
			if _, err := rt.Relay.Flush(ctx); err != nil {
				logger.Warn("outbox flush failed, events stay staged", "error", err)
			}
			return rootOpts.formatter(cmd).Emit(report, func(w io.Writer) {
				if report.Empty() {
					fmt.Fprintln(w, "nothing to recover")
					return
				}
				printIDs(w, "resumed", report.Resumed)
				printIDs(w, "failed", report.Failed)
				printIDs(w, "compensated", report.Compensated)
				printIDs(w, "manual intervention", report.Manual)
				printIDs(w, "finalized", report.Finalized)
				printIDs(w, "orphan sagas", report.Orphans)
			})
		},
	}
}

func printIDs(w io.Writer, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", label, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

// WALReadOptions holds flags for wal read.
type WALReadOptions struct {
	*RootOptions
	TenantID    string
	Date        string
	ExecutionID string
	Limit       int
}

// NewWALCommand creates the wal command group.
func NewWALCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}
	cmd.AddCommand(newWALReadCommand(rootOpts), newWALPartitionsCommand(rootOpts))
	return cmd
}

func newWALReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WALReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print one tenant's WAL entries for a day or an execution",
		Long: `Print WAL entries in append order.

With --execution every entry of that execution is printed, across day
partitions. Otherwise the partition of --date (default today, UTC) is read.

Example:
  intentd wal read --tenant acme --date 2026-01-01
  intentd wal read --tenant acme --execution 0190c3b2-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALRead(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.Date, "date", "", "partition day as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "read every entry of one execution")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries to print (0 = all)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runWALRead(opts *WALReadOptions, cmd *cobra.Command) error {
	rt, logger, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer closeRuntime(ctx, rt, logger)

	var entries []model.WALEntry
	if opts.ExecutionID != "" {
		exec, err := rt.Store.GetExecution(ctx, opts.TenantID, opts.ExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitFailure, "unknown execution", err)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read execution", err)
		}
		entries, err = rt.WAL.ReadExecution(ctx, opts.TenantID, exec.ID, exec.CreatedAt, rt.Clock.Now())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read wal", err)
		}
		if opts.Limit > 0 && len(entries) > opts.Limit {
			entries = entries[:opts.Limit]
		}
	} else {
		day := rt.Clock.Now()
		if opts.Date != "" {
			day, err = time.Parse(model.DateLayout, opts.Date)
			if err != nil {
				return WrapExitError(ExitCommandError, "--date must be YYYY-MM-DD", err)
			}
		}
		entries, err = rt.WAL.ReadRange(ctx, opts.TenantID, day, time.Time{}, time.Time{}, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read wal", err)
		}
	}

	return opts.formatter(cmd).Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "no entries")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s #%d %s %s %s\n", e.Partition, e.Seq, e.Timestamp.Format(time.RFC3339Nano), e.EventType, e.Payload)
		}
	})
}

func newWALPartitionsCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List WAL partitions, optionally for one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			parts, err := rt.WAL.Partitions(ctx, tenant)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list partitions", err)
			}
			return rootOpts.formatter(cmd).Emit(parts, func(w io.Writer) {
				for _, p := range parts {
					fmt.Fprintln(w, p)
				}
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "restrict to one tenant")
	return cmd
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the transactional outbox",
	}

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Publish due staged events once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			n, err := rt.Relay.Flush(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "flush failed", err)
			}
			return rootOpts.formatter(cmd).Emit(map[string]int{"published": n}, func(w io.Writer) {
				fmt.Fprintf(w, "published %d events\n", n)
			})
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count outbox entries by publish status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			counts, err := rt.Relay.Summary(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to summarise outbox", err)
			}
			return rootOpts.formatter(cmd).Emit(counts, func(w io.Writer) {
				for _, st := range []model.PublishStatus{model.PublishStaged, model.PublishPublished, model.PublishFailed} {
					fmt.Fprintf(w, "%-10s %d\n", st, counts[st])
				}
			})
		},
	}

	cmd.AddCommand(flush, summary)
	return cmd
}

// SagaReport compares a recorded saga with the state its steps replay to.
type SagaReport struct {
	Saga     *model.Saga     `json:"saga"`
	Outcomes []string        `json:"outcomes"`
	Replayed model.SagaState `json:"replayed_state"`
	Matches  bool            `json:"matches"`
	Error    string          `json:"replay_error,omitempty"`
}

// NewSagaCommand creates the saga command group.
func NewSagaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect saga records",
	}

	inspect := &cobra.Command{
		Use:   "inspect <saga-id>",
		Short: "Show a saga's steps and check them against its recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			s, err := rt.Sagas.Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitFailure, "unknown saga", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read saga", err)
			}

			report := inspectSaga(s)
			if err := rootOpts.formatter(cmd).Emit(report, func(w io.Writer) { printSaga(w, report) }); err != nil {
				return err
			}
			if !report.Matches {
				return NewExitError(ExitFailure, fmt.Sprintf("saga %s: recorded state %s does not replay", s.ID, s.State))
			}
			return nil
		},
	}

	cmd.AddCommand(inspect)
	return cmd
}

func inspectSaga(s *model.Saga) SagaReport {
	outcomes := saga.Outcomes(s)
	report := SagaReport{Saga: s, Outcomes: make([]string, 0, len(outcomes))}
	for _, o := range outcomes {
		if o.Step == "" {
			report.Outcomes = append(report.Outcomes, string(o.Outcome))
		} else {
			report.Outcomes = append(report.Outcomes, fmt.Sprintf("%s %s", o.Outcome, o.Step))
		}
	}
	state, err := saga.Replay(outcomes)
	report.Replayed = state
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Matches = state == s.State
	return report
}

func printSaga(w io.Writer, r SagaReport) {
	s := r.Saga
	fmt.Fprintf(w, "saga %s %s (tenant %s)\n", s.ID, s.State, s.TenantID)
	if s.ManualIntervention {
		fmt.Fprintf(w, "  manual intervention required: %v\n", s.Unrecoverable)
	}
	for i, st := range s.Steps {
		fmt.Fprintf(w, "  step %d %s: %s\n", i, st.Name, st.Status)
	}
	keys := make([]string, 0, len(s.Context))
	for k := range s.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  context %s=%v\n", k, s.Context[k])
	}
	if r.Error != "" {
		fmt.Fprintf(w, "replay error: %s\n", r.Error)
		return
	}
	fmt.Fprintf(w, "replayed state: %s (matches: %t)\n", r.Replayed, r.Matches)
}
