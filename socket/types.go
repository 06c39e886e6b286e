package socket

import (
	"time"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
)

type clientAction string

const (
	joinChannel  clientAction = "JOIN_CHANNEL"
	leaveChannel clientAction = "LEAVE_CHANNEL"
	broadcast    clientAction = "BROADCAST"
)

type serverAction string

const (
	actionPresence  serverAction = "PRESENCE"
	actionSystem    serverAction = "SYSTEM"
	actionConnect   serverAction = "CONNECT"
	actionBroadcast serverAction = "BROADCAST"
)

const (
	eventAcknowledge     = "ACKNOWLEDGE"
	eventExitAcknowledge = "EXIT_ACKNOWLEDGE"
	eventUnauthorized    = "UNAUTHORIZED"
	eventNotFound        = "NOT_FOUND"
	eventInternalError   = "INTERNAL_ERROR"

	// EventChange is the broadcast event carrying a pondsync change.
	EventChange = "change"
	// EventPresenceTrack is sent by clients publishing their presence record.
	EventPresenceTrack = "presence:track"

	presenceJoin   = "presence:join"
	presenceLeave  = "presence:leave"
	presenceUpdate = "presence:update"
)

// ClientMessage is a frame sent to the server.
type ClientMessage struct {
	Action      clientAction `json:"action"`
	Event       string       `json:"event"`
	Payload     interface{}  `json:"payload"`
	ChannelName string       `json:"channelName"`
	RequestID   string       `json:"requestId"`
}

// ChannelEvent is a frame received from the server.
type ChannelEvent struct {
	Action      serverAction    `json:"action"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	ChannelName string          `json:"channelName"`
	RequestID   string          `json:"requestId"`
}

// JoinPayload is sent with JOIN_CHANNEL.
type JoinPayload struct {
	Subscriptions []SubscriptionSpec `json:"subscriptions,omitempty"`
	Presence      bool               `json:"presence,omitempty"`
}

// SubscriptionSpec is the wire form of a change filter.
type SubscriptionSpec struct {
	Collection string             `json:"collection"`
	Kind       pondsync.EventKind `json:"kind"`
	Filter     string             `json:"filter,omitempty"`
}

// ChangePayload is the body of a change broadcast.
type ChangePayload struct {
	Collection string             `json:"collection"`
	Kind       pondsync.EventKind `json:"kind"`
	New        pondsync.Row       `json:"new,omitempty"`
	Old        pondsync.Row       `json:"old,omitempty"`
	CommitTime time.Time          `json:"commitTime"`
}

// PresencePayload is the body of a PRESENCE event.
type PresencePayload struct {
	Event    string                    `json:"event"`
	UserID   string                    `json:"userId"`
	Change   *pondsync.PresenceRecord  `json:"change,omitempty"`
	Presence []pondsync.PresenceRecord `json:"presence,omitempty"`
}

// PondError is the error payload of a rejected join.
type PondError struct {
	ChannelName string      `json:"channelName,omitempty"`
	Message     string      `json:"message"`
	Code        int         `json:"code"`
	Details     interface{} `json:"details,omitempty"`
}

func (e *PondError) Error() string {
	if e.ChannelName != "" {
		return "Error in Channel " + e.ChannelName + ": " + e.Message
	}
	return e.Message
}

func specsFor(filters []pondsync.ChangeFilter) []SubscriptionSpec {
	specs := make([]SubscriptionSpec, len(filters))
	for i, f := range filters {
		specs[i] = SubscriptionSpec{Collection: f.Collection, Kind: f.Kind, Filter: f.Filter.String()}
	}
	return specs
}

// ChangeFilters parses the subscriptions of a join payload. Servers use it to evaluate filters
// the same way clients do.
func (p JoinPayload) ChangeFilters() ([]pondsync.ChangeFilter, error) {
	out := make([]pondsync.ChangeFilter, len(p.Subscriptions))
	for i, spec := range p.Subscriptions {
		filter, err := pondsync.ParseFilter(spec.Filter)
		if err != nil {
			return nil, err
		}
		out[i] = pondsync.ChangeFilter{Collection: spec.Collection, Kind: spec.Kind, Filter: filter}
	}
	return out, nil
}
