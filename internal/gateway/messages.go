package gateway

import (
	"fmt"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// ClientMsg identifies a client datagram: [msgType:u16][payload].
type ClientMsg uint16

// Client to gateway.
const (
	ClientHeartbeat         ClientMsg = 1
	ClientLogin             ClientMsg = 2
	ClientDisconnect        ClientMsg = 4
	ClientGetShardList      ClientMsg = 10
	ClientSetShard          ClientMsg = 12
	ClientGetAvatars        ClientMsg = 20
	ClientCreateAvatar      ClientMsg = 22
	ClientSetAvatar         ClientMsg = 24
	ClientSetZone           ClientMsg = 30
	ClientObjectUpdateField ClientMsg = 45
)

// Gateway to client. ClientObjectUpdateField is used in both directions.
const (
	ClientLoginResp                 ClientMsg = 3
	ClientGoGetLost                 ClientMsg = 5
	ClientGetShardListResp          ClientMsg = 11
	ClientSetShardResp              ClientMsg = 13
	ClientGetAvatarsResp            ClientMsg = 21
	ClientCreateAvatarResp          ClientMsg = 23
	ClientSetAvatarResp             ClientMsg = 25
	ClientDoneSetZoneResp           ClientMsg = 31
	ClientCreateObjectRequired      ClientMsg = 40
	ClientCreateObjectRequiredOther ClientMsg = 41
	ClientCreateObjectOwner         ClientMsg = 42
	ClientCreateObjectOwnerOther    ClientMsg = 43
	ClientObjectDelete              ClientMsg = 44
)

var clientMsgNames = map[ClientMsg]string{
	ClientHeartbeat:                 "HEARTBEAT",
	ClientLogin:                     "LOGIN",
	ClientLoginResp:                 "LOGIN_RESP",
	ClientDisconnect:                "DISCONNECT",
	ClientGoGetLost:                 "GO_GET_LOST",
	ClientGetShardList:              "GET_SHARD_LIST",
	ClientGetShardListResp:          "GET_SHARD_LIST_RESP",
	ClientSetShard:                  "SET_SHARD",
	ClientSetShardResp:              "SET_SHARD_RESP",
	ClientGetAvatars:                "GET_AVATARS",
	ClientGetAvatarsResp:            "GET_AVATARS_RESP",
	ClientCreateAvatar:              "CREATE_AVATAR",
	ClientCreateAvatarResp:          "CREATE_AVATAR_RESP",
	ClientSetAvatar:                 "SET_AVATAR",
	ClientSetAvatarResp:             "SET_AVATAR_RESP",
	ClientSetZone:                   "SET_ZONE",
	ClientDoneSetZoneResp:           "DONE_SET_ZONE_RESP",
	ClientCreateObjectRequired:      "CREATE_OBJECT_REQUIRED",
	ClientCreateObjectRequiredOther: "CREATE_OBJECT_REQUIRED_OTHER",
	ClientCreateObjectOwner:         "CREATE_OBJECT_OWNER",
	ClientCreateObjectOwnerOther:    "CREATE_OBJECT_OWNER_OTHER",
	ClientObjectDelete:              "OBJECT_DELETE",
	ClientObjectUpdateField:         "OBJECT_UPDATE_FIELD",
}

func (m ClientMsg) String() string {
	if name, ok := clientMsgNames[m]; ok {
		return name
	}
	return fmt.Sprintf("CLIENT_%d", uint16(m))
}

func (m ClientMsg) known() bool {
	_, ok := clientMsgNames[m]
	return ok
}

// GoGetLost reasons.
const (
	DisconnectInvalidMsgType    uint16 = 1
	DisconnectTruncated         uint16 = 2
	DisconnectNotAuthenticated  uint16 = 3
	DisconnectBadVersion        uint16 = 4
	DisconnectBadHash           uint16 = 5
	DisconnectBadToken          uint16 = 6
	DisconnectLoginFailed       uint16 = 7
	DisconnectDuplicateLogin    uint16 = 8
	DisconnectAvatarDeleted     uint16 = 9
	DisconnectHeartbeatTimeout  uint16 = 10
	DisconnectShuttingDown      uint16 = 11
	DisconnectChannelsExhausted uint16 = 12
)

// Result codes carried by *Resp messages.
const (
	ResultOK       uint8 = 0
	ResultFailed   uint8 = 1
	ResultConflict uint8 = 2
	ResultInvalid  uint8 = 3
)

func newClientDatagram(m ClientMsg) *protocol.Datagram {
	dg := protocol.NewDatagram()
	dg.AddUint16(uint16(m))
	return dg
}

func splitClientDatagram(b []byte) (ClientMsg, *protocol.Iterator, error) {
	it := protocol.NewIterator(b)
	t, err := it.Uint16()
	if err != nil {
		return 0, nil, err
	}
	return ClientMsg(t), it, nil
}

// objectCreateMsg maps a registry enter notification to the client
// message that carries it. AI notifications have no client form.
func objectCreateMsg(t protocol.MsgType) (ClientMsg, bool) {
	switch t {
	case protocol.MsgEnterLocationWithRequired:
		return ClientCreateObjectRequired, true
	case protocol.MsgEnterLocationWithRequiredOther:
		return ClientCreateObjectRequiredOther, true
	case protocol.MsgEnterOwnerWithRequired:
		return ClientCreateObjectOwner, true
	case protocol.MsgEnterOwnerWithRequiredOther:
		return ClientCreateObjectOwnerOther, true
	default:
		return 0, false
	}
}
