package protocol

import "fmt"

// MsgType identifies the payload layout of one envelope.
type MsgType uint16

// Bus control messages. These are addressed to ControlChannel and consumed
// by the director; they are never routed.
const (
	MsgSetChannel      MsgType = 9000
	MsgRemoveChannel   MsgType = 9001
	MsgAddPostRemove   MsgType = 9010
	MsgClearPostRemove MsgType = 9011
)

// State server messages.
const (
	MsgAddShard              MsgType = 2000
	MsgRemoveShard           MsgType = 2001
	MsgUpdateShardPopulation MsgType = 2002
	MsgGetShardAll           MsgType = 2003
	MsgGetShardAllResp       MsgType = 2004

	MsgGenerateWithRequired      MsgType = 2010
	MsgGenerateWithRequiredOther MsgType = 2011
	MsgUpdateField               MsgType = 2020
	MsgDeleteRam                 MsgType = 2030

	MsgSetZone          MsgType = 2040
	MsgSetZoneResp      MsgType = 2041
	MsgChangingLocation MsgType = 2042

	MsgSetOwner      MsgType = 2050
	MsgChangingOwner MsgType = 2051

	MsgSetAI      MsgType = 2060
	MsgSetAIResp  MsgType = 2061
	MsgChangingAI MsgType = 2062

	MsgEnterLocationWithRequired      MsgType = 2070
	MsgEnterLocationWithRequiredOther MsgType = 2071
	MsgEnterAIWithRequired            MsgType = 2072
	MsgEnterAIWithRequiredOther       MsgType = 2073
	MsgEnterOwnerWithRequired         MsgType = 2074
	MsgEnterOwnerWithRequiredOther    MsgType = 2075

	MsgGetAll       MsgType = 2080
	MsgGetAllResp   MsgType = 2081
	MsgGetField     MsgType = 2082
	MsgGetFieldResp MsgType = 2083
)

// Database messages.
const (
	MsgDBCreateObject          MsgType = 3000
	MsgDBCreateObjectResp      MsgType = 3001
	MsgDBGetAll                MsgType = 3010
	MsgDBGetAllResp            MsgType = 3011
	MsgDBGetFields             MsgType = 3012
	MsgDBGetFieldsResp         MsgType = 3013
	MsgDBSetFields             MsgType = 3020
	MsgDBSetFieldsIfEquals     MsgType = 3021
	MsgDBSetFieldsIfEqualsResp MsgType = 3022
	MsgDBDeleteObject          MsgType = 3030
)

// Gateway messages. MsgEjectAccount is sent to an account's role channel
// by the gateway taking the account over; any other holder drops its
// session, releases the channel and answers the sender with
// MsgAccountReleased.
const (
	MsgEjectAccount    MsgType = 4000
	MsgAccountReleased MsgType = 4001
)

var msgTypeNames = map[MsgType]string{
	MsgSetChannel:      "SET_CHANNEL",
	MsgRemoveChannel:   "REMOVE_CHANNEL",
	MsgAddPostRemove:   "ADD_POST_REMOVE",
	MsgClearPostRemove: "CLEAR_POST_REMOVE",

	MsgAddShard:              "ADD_SHARD",
	MsgRemoveShard:           "REMOVE_SHARD",
	MsgUpdateShardPopulation: "UPDATE_SHARD_POPULATION",
	MsgGetShardAll:           "GET_SHARD_ALL",
	MsgGetShardAllResp:       "GET_SHARD_ALL_RESP",

	MsgGenerateWithRequired:      "GENERATE_WITH_REQUIRED",
	MsgGenerateWithRequiredOther: "GENERATE_WITH_REQUIRED_OTHER",
	MsgUpdateField:               "UPDATE_FIELD",
	MsgDeleteRam:                 "DELETE_RAM",

	MsgSetZone:          "SET_ZONE",
	MsgSetZoneResp:      "SET_ZONE_RESP",
	MsgChangingLocation: "CHANGING_LOCATION",

	MsgSetOwner:      "SET_OWNER",
	MsgChangingOwner: "CHANGING_OWNER",

	MsgSetAI:      "SET_AI",
	MsgSetAIResp:  "SET_AI_RESP",
	MsgChangingAI: "CHANGING_AI",

	MsgEnterLocationWithRequired:      "ENTER_LOCATION_WITH_REQUIRED",
	MsgEnterLocationWithRequiredOther: "ENTER_LOCATION_WITH_REQUIRED_OTHER",
	MsgEnterAIWithRequired:            "ENTER_AI_WITH_REQUIRED",
	MsgEnterAIWithRequiredOther:       "ENTER_AI_WITH_REQUIRED_OTHER",
	MsgEnterOwnerWithRequired:         "ENTER_OWNER_WITH_REQUIRED",
	MsgEnterOwnerWithRequiredOther:    "ENTER_OWNER_WITH_REQUIRED_OTHER",

	MsgGetAll:       "GET_ALL",
	MsgGetAllResp:   "GET_ALL_RESP",
	MsgGetField:     "GET_FIELD",
	MsgGetFieldResp: "GET_FIELD_RESP",

	MsgDBCreateObject:          "DB_CREATE_OBJECT",
	MsgDBCreateObjectResp:      "DB_CREATE_OBJECT_RESP",
	MsgDBGetAll:                "DB_GET_ALL",
	MsgDBGetAllResp:            "DB_GET_ALL_RESP",
	MsgDBGetFields:             "DB_GET_FIELDS",
	MsgDBGetFieldsResp:         "DB_GET_FIELDS_RESP",
	MsgDBSetFields:             "DB_SET_FIELDS",
	MsgDBSetFieldsIfEquals:     "DB_SET_FIELDS_IF_EQUALS",
	MsgDBSetFieldsIfEqualsResp: "DB_SET_FIELDS_IF_EQUALS_RESP",
	MsgDBDeleteObject:          "DB_DELETE_OBJECT",

	MsgEjectAccount:    "EJECT_ACCOUNT",
	MsgAccountReleased: "ACCOUNT_RELEASED",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MSG_%d", uint16(t))
}

// IsControl reports whether t is in the reserved bus control range.
func (t MsgType) IsControl() bool {
	return t >= 9000 && t < 9100
}
