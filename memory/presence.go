package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/eleven-am/pondsync"
)

// room is one presence channel. Records are keyed by member so two clients of the same user
// keep separate entries.
type room struct {
	members map[uint64]*member
	records map[uint64]pondsync.PresenceRecord
}

type member struct {
	id       uint64
	room     string
	backend  *Backend
	onSync   func()
	onStatus pondsync.StatusHandler
	once     sync.Once
}

// JoinPresence joins channel. SUBSCRIBED is reported synchronously unless the backend is
// offline.
func (b *Backend) JoinPresence(channel string, onSync func(), onStatus pondsync.StatusHandler) (pondsync.PresenceChannel, error) {
	b.mu.Lock()
	b.nextID++
	m := &member{id: b.nextID, room: channel, backend: b, onSync: onSync, onStatus: onStatus}
	offline := b.offline
	if !offline {
		r := b.roomLocked(channel)
		r.members[m.id] = m
	}
	b.mu.Unlock()

	if offline {
		onStatus(pondsync.StateError, ErrOffline)
		return m, nil
	}
	onStatus(pondsync.StateSubscribed, nil)
	b.syncRoom(channel)
	return m, nil
}

func (b *Backend) roomLocked(channel string) *room {
	r, ok := b.rooms[channel]
	if !ok {
		r = &room{
			members: make(map[uint64]*member),
			records: make(map[uint64]pondsync.PresenceRecord),
		}
		b.rooms[channel] = r
	}
	return r
}

// SetPresence writes a record for a participant that is not a joined client, such as a user on
// another process. It triggers a sync on the channel.
func (b *Backend) SetPresence(channel string, record pondsync.PresenceRecord) {
	b.mu.Lock()
	r := b.roomLocked(channel)
	var key uint64
	for k, existing := range r.records {
		if _, joined := r.members[k]; !joined && existing.UserID == record.UserID {
			key = k
			break
		}
	}
	if key == 0 {
		b.nextID++
		key = b.nextID
	}
	r.records[key] = record
	b.mu.Unlock()

	b.syncRoom(channel)
}

// PresenceRecords returns every record on channel.
func (b *Backend) PresenceRecords(channel string) []pondsync.PresenceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(channel)
}

func (b *Backend) snapshotLocked(channel string) []pondsync.PresenceRecord {
	r, ok := b.rooms[channel]
	if !ok {
		return nil
	}
	keys := make([]uint64, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]pondsync.PresenceRecord, len(keys))
	for i, k := range keys {
		out[i] = r.records[k]
	}
	return out
}

func (b *Backend) syncRoom(channel string) {
	b.mu.Lock()
	r, ok := b.rooms[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	keys := make([]uint64, 0, len(r.members))
	for k := range r.members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	fns := make([]func(), len(keys))
	for i, k := range keys {
		fns[i] = r.members[k].onSync
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *member) Track(ctx context.Context, record pondsync.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := m.backend
	b.mu.Lock()
	r, ok := b.rooms[m.room]
	if !ok || r.members[m.id] == nil {
		b.mu.Unlock()
		return ErrOffline
	}
	r.records[m.id] = record
	b.mu.Unlock()

	b.syncRoom(m.room)
	return nil
}

func (m *member) Snapshot() []pondsync.PresenceRecord {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	return m.backend.snapshotLocked(m.room)
}

func (m *member) Close() error {
	m.once.Do(func() {
		b := m.backend
		b.mu.Lock()
		if r, ok := b.rooms[m.room]; ok {
			delete(r.members, m.id)
			delete(r.records, m.id)
		}
		b.mu.Unlock()
		b.syncRoom(m.room)
	})
	return nil
}
