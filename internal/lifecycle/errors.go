package lifecycle

import (
	"errors"
	"fmt"

	"github.com/roach88/intentd/internal/model"
)

// Kind classifies an execution failure by who must act on it.
type Kind string

const (
	// KindDomain failures are caused by the intent or the realm.
	KindDomain Kind = "domain"

	// KindPolicy failures are authorization denials.
	KindPolicy Kind = "policy"

	// KindPlatform failures are the runtime's own (storage, backends).
	KindPlatform Kind = "platform"
)

// Code identifies an execution failure.
type Code string

const (
	CodeUnknownIntent         Code = "unknown_intent"
	CodeInvalidIntent         Code = "invalid_intent"
	CodePolicyDenied          Code = "policy_denied"
	CodeRealmFailed           Code = "realm_failed"
	CodeCancelled             Code = "cancelled"
	CodeWALUnavailable        Code = "wal_unavailable"
	CodeStateUnavailable      Code = "state_unavailable"
	CodeVersionConflict       Code = "version_conflict"
	CodeCompensationFailed    Code = "compensation_failed"
	CodeMaterializationFailed Code = "materialization_failed"
	CodeInterrupted           Code = "interrupted"
)

var codeKinds = map[Code]Kind{
	CodeUnknownIntent:         KindDomain,
	CodeInvalidIntent:         KindDomain,
	CodeRealmFailed:           KindDomain,
	CodeCancelled:             KindDomain,
	CodePolicyDenied:          KindPolicy,
	CodeWALUnavailable:        KindPlatform,
	CodeStateUnavailable:      KindPlatform,
	CodeVersionConflict:       KindPlatform,
	CodeCompensationFailed:    KindPlatform,
	CodeMaterializationFailed: KindPlatform,
	CodeInterrupted:           KindPlatform,
}

// Error is the typed failure returned by the lifecycle manager.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// ExecutionID is set once the failure has been recorded.
	ExecutionID string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ExecutionID != "" {
		msg += fmt.Sprintf(" (execution=%s)", e.ExecutionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Kind: codeKinds[code], Code: code, Message: msg, Err: cause}
}

// executionError is the record stored on the execution.
func (e *Error) executionError(manual bool) *model.ExecutionError {
	return &model.ExecutionError{Code: string(e.Code), Message: e.Message, ManualIntervention: manual}
}

// CodeOf returns the code of a lifecycle error, or "" for other errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsPolicyDenied reports whether err is an authorization denial.
func IsPolicyDenied(err error) bool {
	return kindOf(err) == KindPolicy
}

// IsDomain reports whether err is a domain failure.
func IsDomain(err error) bool {
	return kindOf(err) == KindDomain
}

// IsPlatform reports whether err is a platform failure.
func IsPlatform(err error) bool {
	return kindOf(err) == KindPlatform
}

func kindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
