package gateway

import (
	"errors"
	"fmt"
	"slices"
)

var ErrIllegalTransition = errors.New("gateway: illegal session transition")

// State is one step of the client session flow. The waiting states are
// held while a persistence request is outstanding.
type State uint8

const (
	StateConnected State = iota
	StateLoggingIn
	StateAuthenticated
	StateListingAvatars
	StateCreatingAvatar
	StateLoadingAvatar
	StatePlaying
	StateClosed
)

var stateNames = [...]string{
	StateConnected:      "connected",
	StateLoggingIn:      "logging_in",
	StateAuthenticated:  "authenticated",
	StateListingAvatars: "listing_avatars",
	StateCreatingAvatar: "creating_avatar",
	StateLoadingAvatar:  "loading_avatar",
	StatePlaying:        "playing",
	StateClosed:         "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state_%d", uint8(s))
}

// transitions is the legal transition table. Every state may close.
var transitions = map[State][]State{
	StateConnected:      {StateLoggingIn},
	StateLoggingIn:      {StateAuthenticated},
	StateAuthenticated:  {StateListingAvatars, StateCreatingAvatar, StateLoadingAvatar},
	StateListingAvatars: {StateAuthenticated},
	StateCreatingAvatar: {StateAuthenticated},
	StateLoadingAvatar:  {StatePlaying, StateAuthenticated},
	StatePlaying:        {},
}

func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Waiting reports whether s is suspended on a persistence response.
func (s State) Waiting() bool {
	switch s {
	case StateLoggingIn, StateListingAvatars, StateCreatingAvatar, StateLoadingAvatar:
		return true
	}
	return false
}

// Authenticated reports whether the client has completed login.
func (s State) Authenticated() bool {
	return s >= StateAuthenticated && s != StateClosed
}

// accepts lists the client messages a state handles besides heartbeat and
// disconnect, which every open state takes.
var accepts = map[State][]ClientMsg{
	StateConnected:     {ClientLogin},
	StateAuthenticated: {ClientGetShardList, ClientSetShard, ClientGetAvatars, ClientCreateAvatar, ClientSetAvatar},
	StatePlaying:       {ClientGetShardList, ClientSetZone, ClientObjectUpdateField},
}

func (s State) Accepts(m ClientMsg) bool {
	if s == StateClosed {
		return false
	}
	if m == ClientHeartbeat || m == ClientDisconnect {
		return true
	}
	return slices.Contains(accepts[s], m)
}
