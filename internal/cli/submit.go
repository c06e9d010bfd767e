package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	IntentID   string
	IntentType string
	TenantID   string
	SessionID  string
	SolutionID string
	Params     string
	Metadata   string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Execute one intent in-process and print its outcome",
		Long: `Execute an intent against the database directly, without a running server.

The intent goes through the same lifecycle as one submitted over HTTP and
staged domain events are flushed before the command returns. Resubmitting
an intent ID returns the recorded outcome.

Example:
  intentd submit --tenant acme --session s-1 --type content.upload \
    --params '{"filename":"notes.txt","content":"hello"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.IntentID, "intent-id", "", "intent ID (generated when empty)")
	cmd.Flags().StringVar(&opts.IntentType, "type", "", "intent type (required)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session ID (required)")
	cmd.Flags().StringVar(&opts.SolutionID, "solution", "", "solution ID for policy overrides")
	cmd.Flags().StringVar(&opts.Params, "params", "{}", "intent parameters as a JSON object")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "intent metadata as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command) error {
	params, err := parseObject("params", opts.Params)
	if err != nil {
		return err
	}
	metadata, err := parseObject("metadata", opts.Metadata)
	if err != nil {
		return err
	}

	rt, logger, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer closeRuntime(ctx, rt, logger)

	intentID := opts.IntentID
	if intentID == "" {
		intentID = model.UUIDv7Generator{}.NewID()
	}
	intent := model.Intent{
		ID:         intentID,
		Type:       opts.IntentType,
		TenantID:   opts.TenantID,
		SessionID:  opts.SessionID,
		SolutionID: opts.SolutionID,
		Parameters: params,
		Metadata:   metadata,
	}

	res, execErr := rt.Manager.Execute(ctx, intent)
	if res.Status == model.StatusCompleted {
		if _, err := rt.Relay.Flush(ctx); err != nil {
			logger.Warn("outbox flush failed, events stay staged", "error", err)
		}
	}

	out := opts.formatter(cmd)
	if execErr != nil && res.ExecutionID == "" {
		_ = out.Fail(execErr)
		return ExecutionExitError("intent rejected", execErr)
	}
	if err := out.Emit(res, func(w io.Writer) { printResult(w, res) }); err != nil {
		return err
	}
	if execErr != nil {
		return ExecutionExitError("execution did not complete", execErr)
	}
	return nil
}

func printResult(w io.Writer, res lifecycle.Result) {
	fmt.Fprintf(w, "execution %s %s\n", res.ExecutionID, res.Status)
	if res.Error != nil {
		fmt.Fprintf(w, "  error: %s: %s\n", res.Error.Code, res.Error.Message)
		if res.Error.ManualIntervention {
			fmt.Fprintln(w, "  manual intervention required")
		}
	}
	printArtifacts(w, res.Artifacts)
}

func printArtifacts(w io.Writer, arts map[string]model.ArtifactRef) {
	names := make([]string, 0, len(arts))
	for name := range arts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := arts[name]
		fmt.Fprintf(w, "  artifact %s: %s %s\n", name, ref.Action, ref.Backend)
	}
}

// parseObject decodes a JSON object flag. An empty value is a nil payload.
func parseObject(flag, raw string) (model.Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p model.Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("--%s must be a JSON object", flag), err)
	}
	return p, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			exec, err := rt.Manager.Status(ctx, tenant, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitFailure, "unknown execution", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read execution", err)
			}
			return rootOpts.formatter(cmd).Emit(exec, func(w io.Writer) {
				fmt.Fprintf(w, "execution %s %s (version %d)\n", exec.ID, exec.Status, exec.Version)
				fmt.Fprintf(w, "  intent: %s %s\n", exec.IntentType, exec.IntentID)
				fmt.Fprintf(w, "  tenant: %s session: %s saga: %s\n", exec.TenantID, exec.SessionID, exec.SagaID)
				if exec.Error != nil {
					fmt.Fprintf(w, "  error: %s: %s\n", exec.Error.Code, exec.Error.Message)
				}
				printArtifacts(w, exec.Artifacts)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage tenant sessions",
	}

	var tenant, session, user, contextJSON string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session that intents can be submitted under",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessCtx, err := parseObject("context", contextJSON)
			if err != nil {
				return err
			}
			rt, logger, err := rootOpts.openRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer closeRuntime(ctx, rt, logger)

			if session == "" {
				session = model.UUIDv7Generator{}.NewID()
			}
			sess := model.Session{
				ID:        model.NormalizeID(session),
				TenantID:  model.NormalizeID(tenant),
				UserID:    user,
				Context:   sessCtx,
				CreatedAt: rt.Clock.Now(),
			}
			if err := rt.Store.CreateSession(ctx, sess); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return WrapExitError(ExitFailure, "session already exists", err)
				}
				return WrapExitError(ExitCommandError, "failed to create session", err)
			}
			return rootOpts.formatter(cmd).Emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "session %s created for tenant %s\n", sess.ID, sess.TenantID)
			})
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	create.Flags().StringVar(&session, "session", "", "session ID (generated when empty)")
	create.Flags().StringVar(&user, "user", "", "user ID")
	create.Flags().StringVar(&contextJSON, "context", "", "session context as a JSON object")
	_ = create.MarkFlagRequired("tenant")

	cmd.AddCommand(create)
	return cmd
}
