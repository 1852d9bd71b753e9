package disser

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal configuration errors. Any of these aborts the run before a single
// connection is attempted.
var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrConfigUnreadable = errors.New("config file is not readable")
	ErrConfigEmpty      = errors.New("config file is empty")
	ErrConfigMalformed  = errors.New("config file is malformed")
	ErrNoSource         = errors.New("no valid source section")
	ErrNoTarget         = errors.New("no valid target section")
	ErrNoTransferUnits  = errors.New("sources resolved to no transfer units")
)

// ErrorKind classifies failures that are fatal to a target, a unit or a
// script but never to the whole run.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	ConnectionFailure
	AuthFailure
	PerFileIOFailure
	PerScriptFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailure:
		return "ConnectionFailure"
	case AuthFailure:
		return "AuthFailure"
	case PerFileIOFailure:
		return "PerFileIOFailure"
	case PerScriptFailure:
		return "PerScriptFailure"
	default:
		return "None"
	}
}

// MarshalText makes kinds readable in the JSON report.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Target is the redacted target description.
type Error struct {
	Kind   ErrorKind
	Target string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Target != "":
		return fmt.Sprintf("%v(%v, %v): %v", e.Kind, e.Target, e.Path, e.Err)
	case e.Target != "":
		return fmt.Sprintf("%v(%v): %v", e.Kind, e.Target, e.Err)
	default:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given kind. A nil err stays nil.
func NewError(kind ErrorKind, target, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Target: target, Path: path, Err: err}
}

// KindOf returns the kind carried by err, or fallback when err carries none.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindNone {
		return e.Kind
	}
	return fallback
}
