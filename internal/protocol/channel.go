package protocol

import "strconv"

// Channel is a bus address. The bus imposes no structure on it.
type Channel uint64

func (c Channel) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// Well-known service channels.
const (
	ControlChannel     Channel = 1
	StateServerChannel Channel = 4002
	DatabaseChannel    Channel = 4003
	GatewayChannel     Channel = 4004
)

// Reserved channel ranges.
const (
	GatewayChannelMin Channel = 4004
	GatewayChannelMax Channel = 4999
	ObjectIDMin       Channel = 100000000
	ObjectIDMax       Channel = 399999999
	ShardChannelMin   Channel = 400000000
	ShardChannelMax   Channel = 499999999
	AIObjectIDMin     Channel = 500000000
	AIObjectIDMax     Channel = 599999999
	ConnChannelMin    Channel = 1000000000
	ConnChannelMax    Channel = 1009999999
)

// Role tags the high half of a composite channel.
type Role uint32

const (
	RoleAccount Role = 1
	RoleAvatar  Role = 2
)

// RoleChannel packs a role tag and an entity id into one channel.
func RoleChannel(role Role, id uint32) Channel {
	return Channel(uint64(role)<<32 | uint64(id))
}

// SplitRoleChannel is the inverse of RoleChannel.
func SplitRoleChannel(c Channel) (Role, uint32) {
	return Role(uint64(c) >> 32), uint32(c)
}

func (c Channel) IsShard() bool {
	return c >= ShardChannelMin && c <= ShardChannelMax
}

func (c Channel) IsGateway() bool {
	return c >= GatewayChannelMin && c <= GatewayChannelMax
}

func (c Channel) IsConnection() bool {
	return c >= ConnChannelMin && c <= ConnChannelMax
}
