// Package kqe provides a mechanism to create or wrap errors with information
// that will aid in reporting them to users and classifying them during a
// hunt.  Layers above typically convert these into a domain specific
// representation; for example, the session maps them onto trigger outcomes
// and decides which ones abort the whole session.
package kqe

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
)

// A Kind represents a class of error raised while building, compiling,
// or executing a huntflow.
type Kind int

const (
	Other Kind = iota
	Parse
	Reference
	SchemaResolution
	Unification
	BackendCapability
	BackendExecution
	AnalyticsExecution
	CacheConsistency
	Conflict
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Parse:
		return "parse error"
	case Reference:
		return "invalid reference"
	case SchemaResolution:
		return "schema resolution error"
	case Unification:
		return "type unification error"
	case BackendCapability:
		return "backend capability error"
	case BackendExecution:
		return "backend execution error"
	case AnalyticsExecution:
		return "analytics execution error"
	case CacheConsistency:
		return "cache consistency error"
	case Conflict:
		return "conflict with existing registration"
	case NotFound:
		return "item does not exist"
	}
	return "unknown error kind"
}

type Error struct {
	Kind Kind
	Err  error
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

func (e *Error) Error() string {
	b := &bytes.Buffer{}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns just the Err.Error() string, if present, or the Kind
// string description. The intent is to allow kqe users a way to avoid
// embedding the Kind description as happens with Error().
func (e *Error) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Kind != Other {
		return e.Kind.String()
	}
	return "no error"
}

// Function E generates an error from any mix of:
// - a Kind
// - an existing error
// - a string and optional formatting verbs, like fmt.Errorf (including support
//	for the `%w` verb).
//
// The string & format verbs must be last in the arguments, if present.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args to kqe.E")
	}
	e := &Error{}

	for i, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case error:
			e.Err = arg
		case string:
			e.Err = fmt.Errorf(arg, args[i+1:]...)
			return e
		default:
			_, file, line, _ := runtime.Caller(1)
			return fmt.Errorf("unknown type %T value %v in kqe.E call at %v:%v", arg, arg, file, line)
		}
	}

	return e
}

// KindOf extracts the Kind from err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsFatal reports whether err must abort the session instead of just
// failing the current trigger.  A cache consistency violation means the
// session's stored results can no longer be trusted.
func IsFatal(err error) bool {
	return IsKind(err, CacheConsistency)
}
