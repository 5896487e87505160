package conversation

import (
	"errors"
	"fmt"
)

// Kind classifies errors so callers can decide whether to absorb them into
// the conversation or abort the turn.
type Kind int

const (
	KindValidation     Kind = iota + 1 // malformed or missing parameters
	KindNotFound                       // conversation, message, branch or tool missing
	KindExecution                      // a tool ran and failed
	KindInfrastructure                 // model client or storage unavailable
	KindPolicy                         // declined by policy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindExecution:
		return "EXECUTION"
	case KindInfrastructure:
		return "INFRASTRUCTURE"
	case KindPolicy:
		return "POLICY_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

// Policy decline codes.
const (
	CodeNestedSubagent = "NESTED_SUBAGENT_NOT_ALLOWED"
	CodeInternalTool   = "INTERNAL_TOOL"
	CodeToolHidden     = "TOOL_NOT_AVAILABLE"
)

// Error is the error type returned across the engine.
type Error struct {
	Kind    Kind
	Code    string // specific reason, e.g. NESTED_SUBAGENT_NOT_ALLOWED
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a KindNotFound error.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Execution wraps a tool failure.
func Execution(op string, err error) *Error {
	return &Error{Kind: KindExecution, Op: op, Err: err}
}

// Infrastructure wraps a model-client or storage failure.
func Infrastructure(op string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Op: op, Err: err}
}

// Policy builds a KindPolicy error carrying a decline code.
func Policy(op, code, format string, args ...any) *Error {
	return &Error{Kind: KindPolicy, Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the decline code of err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsPolicy reports whether err is a KindPolicy error.
func IsPolicy(err error) bool { return KindOf(err) == KindPolicy }
