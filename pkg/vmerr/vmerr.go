// Package vmerr defines the error taxonomy of class loading, linking and
// dispatch. Every fatal condition is an *Error carrying a Kind and the guest
// exception class it would surface as.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	ClassNotFound Kind = iota + 1
	NoClassDefFound
	ClassFormat
	UnsupportedClassVersion
	ClassCircularity
	IncompatibleClassChange
	IllegalAccess
	Verify
	AlreadyDefined
	LoadingConstraint
	NoSuchMethod
	NoSuchField
	AbstractMethod
	AmbiguousDefault
	UnsatisfiedLink
	UnsupportedRedefinition
)

var kindInfo = map[Kind]struct {
	name      string
	exception string
}{
	ClassNotFound:           {"ClassNotFound", "java/lang/ClassNotFoundException"},
	NoClassDefFound:         {"NoClassDefFound", "java/lang/NoClassDefFoundError"},
	ClassFormat:             {"ClassFormat", "java/lang/ClassFormatError"},
	UnsupportedClassVersion: {"UnsupportedClassVersion", "java/lang/UnsupportedClassVersionError"},
	ClassCircularity:        {"ClassCircularity", "java/lang/ClassCircularityError"},
	IncompatibleClassChange: {"IncompatibleClassChange", "java/lang/IncompatibleClassChangeError"},
	IllegalAccess:           {"IllegalAccess", "java/lang/IllegalAccessError"},
	Verify:                  {"Verify", "java/lang/VerifyError"},
	AlreadyDefined:          {"AlreadyDefined", "java/lang/LinkageError"},
	LoadingConstraint:       {"LoadingConstraint", "java/lang/LinkageError"},
	NoSuchMethod:            {"NoSuchMethod", "java/lang/NoSuchMethodError"},
	NoSuchField:             {"NoSuchField", "java/lang/NoSuchFieldError"},
	AbstractMethod:          {"AbstractMethod", "java/lang/AbstractMethodError"},
	AmbiguousDefault:        {"AmbiguousDefault", "java/lang/IncompatibleClassChangeError"},
	UnsatisfiedLink:         {"UnsatisfiedLink", "java/lang/UnsatisfiedLinkError"},
	UnsupportedRedefinition: {"UnsupportedRedefinition", "java/lang/UnsupportedOperationException"},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Exception returns the guest exception class name for the kind.
func (k Kind) Exception() string {
	if info, ok := kindInfo[k]; ok {
		return info.exception
	}
	return "java/lang/Error"
}

// Recoverable reports whether callers are expected to handle the error as a
// value (fall back, retry elsewhere) rather than abort the operation.
func (k Kind) Recoverable() bool {
	switch k {
	case ClassNotFound, NoSuchMethod, NoSuchField:
		return true
	}
	return false
}

// Error is a typed class-loading / linking / dispatch failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Exception(), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Exception(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, vmerr.New(k, ""))
// behaves like Is(err, k).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Recoverable reports whether the error's kind is recoverable.
func (e *Error) Recoverable() bool { return e.Kind.Recoverable() }

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
