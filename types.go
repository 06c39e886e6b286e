// This file contains the shared type definitions for pondsync: change events, connection
// states, chat messages, conversations, presence records and the handler signatures used by
// the multiplexer, reconciler and presence tracker.
package pondsync

import (
	"time"
)

// EventKind is the change type a subscription listens for.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	EventAny    EventKind = "*"
)

// Matches reports whether a subscription for k receives a change of kind other.
func (k EventKind) Matches(other EventKind) bool {
	return k == EventAny || k == other
}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete, EventAny:
		return true
	}
	return false
}

// ConnectionState is the lifecycle state of a channel session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "CONNECTING"
	StateSubscribed ConnectionState = "SUBSCRIBED"
	StateError      ConnectionState = "CHANNEL_ERROR"
	StateTimedOut   ConnectionState = "TIMED_OUT"
	StateClosed     ConnectionState = "CLOSED"
)

// DeliveryStatus tracks an outgoing chat message.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// ConnectionStatus is the coarse connectivity signal handed to UI code.
type ConnectionStatus string

const (
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

func statusFromState(state ConnectionState) ConnectionStatus {
	switch state {
	case StateSubscribed:
		return Connected
	case StateConnecting:
		return Connecting
	default:
		return Disconnected
	}
}

// ChangeEvent is a single change notification pushed by the backend.
// New is empty for deletes, Old is empty for inserts.
type ChangeEvent struct {
	Collection string    `json:"collection"`
	Kind       EventKind `json:"kind"`
	New        Row       `json:"new,omitempty"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commitTime"`
}

// Row returns the most recent image of the changed row.
func (e ChangeEvent) Row() Row {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// ChangeFilter is the backend-facing part of a subscription descriptor.
type ChangeFilter struct {
	Collection string    `json:"collection"`
	Kind       EventKind `json:"kind"`
	Filter     Filter    `json:"filter,omitempty"`
}

// Matches reports whether the change event satisfies the collection, kind and row filter.
func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if f.Collection != ev.Collection || !f.Kind.Matches(ev.Kind) {
		return false
	}
	return f.Filter.Match(ev.Row())
}

// Key identifies the filter independently of any callback.
func (f ChangeFilter) Key() string {
	return f.Collection + "|" + string(f.Kind) + "|" + f.Filter.String()
}

// ChatMessage is one entry of a conversation transcript.
type ChatMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"created_at"`
	IsRead         bool           `json:"is_read"`
	Status         DeliveryStatus `json:"-"`
	LocalID        string         `json:"-"`
}

// Conversation is the denormalized conversation row.
type Conversation struct {
	ID                 string         `json:"id"`
	ParticipantIDs     []string       `json:"participant_ids"`
	LastMessagePreview string         `json:"last_message_preview"`
	LastMessageAt      time.Time      `json:"last_message_at"`
	UnreadCounts       map[string]int `json:"unread_counts"`
}

// PresenceRecord is one participant's published liveness state.
type PresenceRecord struct {
	UserID        string    `json:"user_id"`
	LastHeartbeat time.Time `json:"online_at"`
	Typing        bool      `json:"typing"`
}

// ChangeHandler receives debounced change events for a subscription.
type ChangeHandler func(event ChangeEvent)

// StatusHandler receives connection state transitions from a backend.
type StatusHandler func(state ConnectionState, err error)

// ConnectionHandler receives connectivity flips of a channel handle.
type ConnectionHandler func(connected bool)
