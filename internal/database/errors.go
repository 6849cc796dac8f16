package database

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("database: malformed payload")
	ErrUnhandled    = errors.New("database: unhandled message type")
	ErrUnknownClass = errors.New("database: unknown class")
	ErrNotStored    = errors.New("database: field is not persisted by its class")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
