package distributed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// member is this process's seat on a presence channel. Its record is stored under a random
// field so clients on different processes never overwrite each other.
type member struct {
	backend *Backend
	id      uint64
	field   string
	channel string
	onSync  func()
	once    sync.Once
}

// JoinPresence subscribes to the channel's sync topic and reports SUBSCRIBED.
func (b *Backend) JoinPresence(channel string, onSync func(), onStatus pondsync.StatusHandler) (pondsync.PresenceChannel, error) {
	topic := b.PresenceTopic(channel)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, pondsync.ErrClosed
	}
	if err := b.acquireLocked([]string{topic}); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	m := &member{
		backend: b,
		id:      b.nextID,
		field:   uuid.NewString(),
		channel: channel,
		onSync:  onSync,
	}
	b.members[m.id] = m
	b.mu.Unlock()

	onStatus(pondsync.StateSubscribed, nil)
	return m, nil
}

func (b *Backend) deliverSync(channel string) {
	b.mu.RLock()
	var fns []func()
	ids := make([]uint64, 0, len(b.members))
	for id := range b.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if m := b.members[id]; m.channel == channel {
			fns = append(fns, m.onSync)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Track stores the record and announces a sync to every process on the channel.
func (m *member) Track(ctx context.Context, record pondsync.PresenceRecord) error {
	b := m.backend
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	if err := b.client.HSet(ctx, b.presenceKey(m.channel), m.field, data).Err(); err != nil {
		return fmt.Errorf("failed to track presence on %s: %w", m.channel, err)
	}
	if err := b.client.Publish(ctx, b.PresenceTopic(m.channel), m.field).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Snapshot reads every record of the channel. Read failures yield an empty snapshot.
func (m *member) Snapshot() []pondsync.PresenceRecord {
	b := m.backend
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	values, err := b.client.HGetAll(ctx, b.presenceKey(m.channel)).Result()
	if err != nil {
		b.log.Warn("failed to read presence", zap.String("channel", m.channel), zap.Error(err))
		return nil
	}
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make([]pondsync.PresenceRecord, 0, len(values))
	for _, field := range fields {
		var rec pondsync.PresenceRecord
		if err := json.Unmarshal([]byte(values[field]), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Close removes the record and leaves the sync topic.
func (m *member) Close() error {
	var err error
	m.once.Do(func() {
		b := m.backend
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		if delErr := b.client.HDel(ctx, b.presenceKey(m.channel), m.field).Err(); delErr != nil {
			err = fmt.Errorf("failed to remove presence on %s: %w", m.channel, delErr)
		} else if pubErr := b.client.Publish(ctx, b.PresenceTopic(m.channel), m.field).Err(); pubErr != nil {
			err = fmt.Errorf("failed to publish message: %w", pubErr)
		}

		b.mu.Lock()
		delete(b.members, m.id)
		if relErr := b.releaseLocked([]string{b.PresenceTopic(m.channel)}); relErr != nil && err == nil {
			err = relErr
		}
		b.mu.Unlock()
	})
	return err
}
