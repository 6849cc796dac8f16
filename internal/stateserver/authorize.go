package stateserver

import (
	"fmt"

	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/protocol"
)

// SenderKind classifies the origin of a mutation.
type SenderKind uint8

const (
	// SenderExternal is anything that is not a registered shard: gateway
	// client channels, owner channels, tools.
	SenderExternal SenderKind = iota
	SenderShard
)

func (k SenderKind) String() string {
	if k == SenderShard {
		return "shard"
	}
	return "external"
}

// Authorize decides whether sender may set field on an object owned by
// owner. It depends on nothing else.
func Authorize(kind SenderKind, field *dclass.Field, sender, owner protocol.Channel) error {
	if field == nil {
		return ErrUnknownField
	}
	if field.Is(dclass.KeywordBogus) {
		return fmt.Errorf("%w: %s", ErrBogusField, field.Name)
	}
	if kind == SenderShard {
		return nil
	}
	if field.Is(dclass.KeywordClSend) {
		return nil
	}
	if field.Is(dclass.KeywordOwnSend) {
		if owner != 0 && sender == owner {
			return nil
		}
		return fmt.Errorf("%w: field=%s sender=%d owner=%d", ErrNotOwner, field.Name, sender, owner)
	}
	return fmt.Errorf("%w: field=%s sender=%d", ErrNotSettable, field.Name, sender)
}
