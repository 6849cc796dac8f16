package stateserver

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed       = errors.New("stateserver: malformed payload")
	ErrUnhandled       = errors.New("stateserver: unhandled message type")
	ErrUnknownObject   = errors.New("stateserver: unknown object")
	ErrDuplicateObject = errors.New("stateserver: object already exists")
	ErrUnknownClass    = errors.New("stateserver: unknown class")
	ErrUnknownShard    = errors.New("stateserver: unknown shard")
	ErrUnknownField    = errors.New("stateserver: unknown field")
	ErrBogusField      = errors.New("stateserver: bogus field")
	ErrNotOwner        = errors.New("stateserver: sender is not the owner")
	ErrNotSettable     = errors.New("stateserver: field not settable by sender")
	ErrForbidden       = errors.New("stateserver: sender not allowed")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// outcome maps a handler result onto the metrics label set.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrUnknownField),
		errors.Is(err, ErrUnknownClass):
		return "malformed"
	case errors.Is(err, ErrUnhandled):
		return "unhandled"
	case errors.Is(err, ErrBogusField),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNotSettable),
		errors.Is(err, ErrForbidden):
		return "denied"
	default:
		return "referential"
	}
}
