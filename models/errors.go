package models

import "github.com/pkg/errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrConflict          = errors.New("conflict")
	ErrIOFailure         = errors.New("storage unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	// ErrInvalidArgument covers malformed requests that are not coordinates:
	// bad cursors, unknown repository types, empty names.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind returns the taxonomy sentinel err wraps, or nil for errors outside it.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrInvalidCoordinate, ErrConflict, ErrIOFailure, ErrUnauthorized, ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IOFailure wraps cause as an ErrIOFailure while keeping its message.
func IOFailure(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return errors.Wrapf(ioFailure{cause}, format, args...)
}

type ioFailure struct{ cause error }

func (e ioFailure) Error() string        { return e.cause.Error() }
func (e ioFailure) Is(target error) bool { return target == ErrIOFailure }
func (e ioFailure) Unwrap() error        { return e.cause }
