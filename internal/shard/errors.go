package shard

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("shard: malformed payload")
	ErrUnknownObject  = errors.New("shard: unknown object")
	ErrUnknownClass   = errors.New("shard: unknown class")
	ErrUnknownField   = errors.New("shard: unknown field")
	ErrIDsExhausted   = errors.New("shard: object id range exhausted")
	ErrNotAnnounced   = errors.New("shard: not announced")
	ErrInvalidChannel = errors.New("shard: channel outside the shard range")
	ErrInvalidIDRange = errors.New("shard: invalid object id range")
	ErrUnhandled      = errors.New("shard: unhandled message type")
)

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
