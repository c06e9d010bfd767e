package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/intentd/internal/lifecycle"
)

// Process exit codes. Execution failures map onto them by lifecycle kind:
// domain and policy failures exit 1, platform failures exit 3, and a
// compensation that needs an operator exits 4.
const (
	ExitSuccess            = 0
	ExitFailure            = 1 // The intent or the realm failed, or policy denied it
	ExitCommandError       = 2 // Bad flags or arguments, unreadable configuration
	ExitPlatform           = 3 // The runtime could not record or finish the work; run recover
	ExitManualIntervention = 4 // Compensation failed; the saga is parked for an operator
)

// Error codes for failures that did not come from the lifecycle manager.
// Lifecycle failures keep their own code (policy_denied, wal_unavailable, ...).
const (
	ErrCodeUsage    = "usage"
	ErrCodeInternal = "internal"
)

// ExitError carries the exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExecutionExitError wraps a lifecycle failure, deriving the exit code from
// its kind and code.
func ExecutionExitError(message string, err error) *ExitError {
	return WrapExitError(executionExitCode(err), message, err)
}

func executionExitCode(err error) int {
	switch {
	case lifecycle.CodeOf(err) == lifecycle.CodeCompensationFailed:
		return ExitManualIntervention
	case lifecycle.IsPlatform(err):
		return ExitPlatform
	default:
		return ExitFailure
	}
}

// GetExitCode returns the exit code for err. An ExitError anywhere in the
// chain wins; a bare lifecycle error is mapped by kind; anything else
// exits ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return executionExitCode(err)
}

// ErrorCode returns the code reported for err: the lifecycle code when err
// is an execution failure, otherwise ErrCodeUsage for command errors and
// ErrCodeInternal for the rest.
func ErrorCode(err error) string {
	if code := lifecycle.CodeOf(err); code != "" {
		return string(code)
	}
	if GetExitCode(err) == ExitCommandError {
		return ErrCodeUsage
	}
	return ErrCodeInternal
}

// OutputFormatter writes command results as JSON envelopes or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command. Code is a lifecycle code or one of
// the ErrCode constants; Exit is the process exit code that follows.
type CLIError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Kind        string `json:"kind,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Exit        int    `json:"exit"`
	Details     any    `json:"details,omitempty"`
}

// Success outputs a result, rendered with fmt in text mode.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, func(w io.Writer) {
		fmt.Fprintln(w, data)
	})
}

// Emit writes data as a JSON envelope, or calls text to render it for humans.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	text(f.Writer)
	return nil
}

// Fail reports err. Lifecycle failures carry their code, kind and
// execution ID.
func (f *OutputFormatter) Fail(err error) error {
	cliErr := &CLIError{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Exit:    GetExitCode(err),
	}
	var le *lifecycle.Error
	if errors.As(err, &le) {
		cliErr.Message = le.Message
		cliErr.Kind = string(le.Kind)
		cliErr.ExecutionID = le.ExecutionID
	}
	return f.write(cliErr)
}

// Error reports a failure with an explicit code.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.write(&CLIError{Code: code, Message: message, Exit: ExitFailure, Details: details})
}

func (f *OutputFormatter) write(e *CLIError) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: e})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
	if e.ExecutionID != "" {
		fmt.Fprintf(f.Writer, "  execution: %s\n", e.ExecutionID)
	}
	if f.Verbose && e.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", e.Details)
	}
	return nil
}

// VerboseLog writes a diagnostic line in verbose mode. It goes to ErrWriter
// so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter, or Writer when none is set.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
