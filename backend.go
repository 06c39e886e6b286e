package pondsync

import (
	"context"
)

// Store is the request/response half of the backend data service.
type Store interface {
	// Query returns the rows of collection matching filter.
	Query(ctx context.Context, collection string, filter Filter) ([]Row, error)

	// Insert writes row and returns the stored row including server assigned fields
	// such as id and created_at.
	Insert(ctx context.Context, collection string, row Row) (Row, error)

	// Update applies patch to every row matching filter and returns how many rows changed.
	Update(ctx context.Context, collection string, filter Filter, patch Row) (int, error)
}

// ChangeStream is the backend's raw change subscription primitive. One call to Subscribe
// opens one logical channel carrying every filter; onChange receives the index of each
// matching filter. onStatus reports connection transitions and may be called from any
// goroutine.
type ChangeStream interface {
	Subscribe(channel string, filters []ChangeFilter, onChange func(index int, event ChangeEvent), onStatus StatusHandler) (StreamHandle, error)
}

// StreamHandle unsubscribes a channel opened through ChangeStream.Subscribe.
type StreamHandle interface {
	Close() error
}

// PresenceBackend opens shared presence channels.
type PresenceBackend interface {
	// JoinPresence joins channel. onSync is called whenever the presence snapshot changed.
	JoinPresence(channel string, onSync func(), onStatus StatusHandler) (PresenceChannel, error)
}

// PresenceChannel is a joined presence channel.
type PresenceChannel interface {
	// Track publishes this client's record, overwriting the previous one.
	Track(ctx context.Context, record PresenceRecord) error

	// Snapshot returns the current records of every participant.
	Snapshot() []PresenceRecord

	Close() error
}
