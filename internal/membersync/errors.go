package membersync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrMalformedEvent = errors.New("malformed change event")
	ErrUnknownUser    = errors.New("unable to identify user")
	ErrIgnoredGroup   = errors.New("group is ignored")
)

// Failure wraps an unexpected error from an upstream service. It carries
// the operation name so logs can tell which call failed without exposing
// request details.
type Failure struct {
	Op  string
	Err error
}

func (e *Failure) Error() string {
	if e.Err == nil {
		return e.Op + ": failure"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Failure) Unwrap() error {
	return e.Err
}

func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Op: op, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
