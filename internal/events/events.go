package events

import (
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// Kind identifies the type of an event
type Kind int

const (
	KindStatus Kind = iota
	KindConnected
	KindDisconnected
	KindPresence
	KindMessage
	KindChatState
	KindRoster
	KindConflict
	KindBlockListLoaded
	KindBlockListChanged
	KindRemoteClient
	KindRemoteStatus
	KindRemoteAction
)

var kindNames = [...]string{
	KindStatus:           "status",
	KindConnected:        "connected",
	KindDisconnected:     "disconnected",
	KindPresence:         "presence",
	KindMessage:          "message",
	KindChatState:        "chat-state",
	KindRoster:           "roster",
	KindConflict:         "user-conflict",
	KindBlockListLoaded:  "block-list-loaded",
	KindBlockListChanged: "block-list-changed",
	KindRemoteClient:     "remote-client",
	KindRemoteStatus:     "remote-status",
	KindRemoteAction:     "remote-action",
}

// String returns the wire-friendly name of the kind
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Event is implemented by every event the engine publishes. The set is
// closed: consumers can switch exhaustively over the concrete types below.
type Event interface {
	Kind() Kind
	sealed()
}

// ConnectionState is the state of the single connection owned by a client
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAttached
	StateDisconnecting
	StateAuthFailed
	StateError
)

// String returns the string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAttached:
		return "attached"
	case StateDisconnecting:
		return "disconnecting"
	case StateAuthFailed:
		return "auth-failed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusChanged is published on every connection state transition
type StatusChanged struct {
	State ConnectionState
	Err   error
}

// Connected is published once the session is ready for use
type Connected struct {
	JID      string
	Attached bool
}

// Disconnected is published when the session ends, orderly or not
type Disconnected struct {
	Err error
}

// PresenceChanged carries one decoded presence stanza
type PresenceChanged struct {
	presence.Record
}

// IncomingMessage carries a chat message, including carbon copies
type IncomingMessage struct {
	chat.Message
}

// ChatStateChanged carries a chat state notification (typing etc.)
type ChatStateChanged struct {
	From  string
	To    string
	State chat.State
}

// RosterChanged carries a single roster entry after a server push
type RosterChanged struct {
	roster.Entry
}

// UserConflict is published when another resource took over the session
type UserConflict struct{}

// BlockListLoaded is published when the block list has been (re)loaded
type BlockListLoaded struct{}

// BlockListChanged is published after the block list was resubmitted.
// Consumers re-query the list; no diff is carried.
type BlockListChanged struct{}

// RemoteClientAvailability reports whether the user's native client is online
type RemoteClientAvailability struct {
	Available bool
	Resource  string
}

// RemoteStatus relays a status payload sent by the user's native client
type RemoteStatus struct {
	From    string
	Payload wire.Remote
}

// RemoteAction relays an action payload sent by the user's native client
type RemoteAction struct {
	From    string
	Payload wire.Remote
}

func (StatusChanged) Kind() Kind            { return KindStatus }
func (Connected) Kind() Kind                { return KindConnected }
func (Disconnected) Kind() Kind             { return KindDisconnected }
func (PresenceChanged) Kind() Kind          { return KindPresence }
func (IncomingMessage) Kind() Kind          { return KindMessage }
func (ChatStateChanged) Kind() Kind         { return KindChatState }
func (RosterChanged) Kind() Kind            { return KindRoster }
func (UserConflict) Kind() Kind             { return KindConflict }
func (BlockListLoaded) Kind() Kind          { return KindBlockListLoaded }
func (BlockListChanged) Kind() Kind         { return KindBlockListChanged }
func (RemoteClientAvailability) Kind() Kind { return KindRemoteClient }
func (RemoteStatus) Kind() Kind             { return KindRemoteStatus }
func (RemoteAction) Kind() Kind             { return KindRemoteAction }

func (StatusChanged) sealed()            {}
func (Connected) sealed()                {}
func (Disconnected) sealed()             {}
func (PresenceChanged) sealed()          {}
func (IncomingMessage) sealed()          {}
func (ChatStateChanged) sealed()         {}
func (RosterChanged) sealed()            {}
func (UserConflict) sealed()             {}
func (BlockListLoaded) sealed()          {}
func (BlockListChanged) sealed()         {}
func (RemoteClientAvailability) sealed() {}
func (RemoteStatus) sealed()             {}
func (RemoteAction) sealed()             {}
