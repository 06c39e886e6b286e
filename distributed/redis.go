// Package distributed provides a Redis-backed pondsync backend for multi-process deployments.
// Rows live in one hash per collection, change events travel over one pub/sub topic per
// collection and presence records live in one hash per presence channel, with a companion
// topic announcing syncs.
package distributed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures a Backend.
type Options struct {
	// Prefix namespaces every key and topic. Defaults to "pondsync".
	Prefix string

	// OperationTimeout bounds Redis calls made without a caller context. Defaults to 5s.
	OperationTimeout time.Duration

	Logger *zap.Logger

	// Now stamps created_at on inserted rows. Defaults to time.Now.
	Now func() time.Time
}

// Backend implements pondsync.Store, pondsync.ChangeStream and pondsync.PresenceBackend on
// top of Redis.
type Backend struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	prefix  string
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	subs    map[uint64]*subscription
	members map[uint64]*member
	topics  map[string]int
	nextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

type subscription struct {
	id       uint64
	channel  string
	filters  []pondsync.ChangeFilter
	topics   []string
	onChange func(int, pondsync.ChangeEvent)
	onStatus pondsync.StatusHandler
}

// New creates a backend on client. The client should be configured and reachable.
func New(ctx context.Context, client *redis.Client, opts Options) (*Backend, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "pondsync"
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	backendCtx, cancel := context.WithCancel(ctx)
	b := &Backend{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		log:     log.Named("redis"),
		now:     now,
		subs:    make(map[uint64]*subscription),
		members: make(map[uint64]*member),
		topics:  make(map[string]int),
		ctx:     backendCtx,
		cancel:  cancel,
	}
	b.pubsub = client.Subscribe(backendCtx)

	b.wg.Add(1)
	go b.handleMessages()

	return b, nil
}

func (b *Backend) rowsKey(collection string) string {
	return b.prefix + ":rows:" + collection
}

// ChangesTopic returns the pub/sub topic carrying change events for collection.
func (b *Backend) ChangesTopic(collection string) string {
	return b.prefix + ":changes:" + collection
}

func (b *Backend) presenceKey(channel string) string {
	return b.prefix + ":presence:" + channel
}

// PresenceTopic returns the pub/sub topic announcing syncs of a presence channel.
func (b *Backend) PresenceTopic(channel string) string {
	return b.prefix + ":presence-sync:" + channel
}

func (b *Backend) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Backend) Query(ctx context.Context, collection string, filter pondsync.Filter) ([]pondsync.Row, error) {
	rows, err := b.loadRows(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]pondsync.Row, 0, len(rows))
	for _, row := range rows {
		if filter.Match(row) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time("created_at").Before(out[j].Time("created_at"))
	})
	return out, nil
}

func (b *Backend) loadRows(ctx context.Context, collection string) ([]pondsync.Row, error) {
	values, err := b.client.HGetAll(ctx, b.rowsKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", collection, err)
	}
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]pondsync.Row, 0, len(values))
	for _, id := range ids {
		var row pondsync.Row
		if err := json.Unmarshal([]byte(values[id]), &row); err != nil {
			b.log.Warn("skipping undecodable row", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Insert stores row under a fresh id, stamps created_at and publishes an INSERT event.
func (b *Backend) Insert(ctx context.Context, collection string, row pondsync.Row) (pondsync.Row, error) {
	if b.isClosed() {
		return nil, pondsync.ErrClosed
	}
	stored := row.Clone()
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	stored["created_at"] = b.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	if err := b.client.HSet(ctx, b.rowsKey(collection), stored.String("id"), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}

	b.publishStored(ctx, pondsync.ChangeEvent{
		Collection: collection,
		Kind:       pondsync.EventInsert,
		New:        stored,
		CommitTime: b.now(),
	})
	return stored, nil
}

// Update merges patch into every matching row and publishes one UPDATE event per row.
func (b *Backend) Update(ctx context.Context, collection string, filter pondsync.Filter, patch pondsync.Row) (int, error) {
	if b.isClosed() {
		return 0, pondsync.ErrClosed
	}
	rows, err := b.loadRows(ctx, collection)
	if err != nil {
		return 0, err
	}

	var events []pondsync.ChangeEvent
	pipe := b.client.TxPipeline()
	for _, row := range rows {
		if !filter.Match(row) {
			continue
		}
		updated := row.Merge(patch)
		data, err := json.Marshal(updated)
		if err != nil {
			return 0, fmt.Errorf("failed to encode row: %w", err)
		}
		pipe.HSet(ctx, b.rowsKey(collection), updated.String("id"), data)
		events = append(events, pondsync.ChangeEvent{
			Collection: collection,
			Kind:       pondsync.EventUpdate,
			New:        updated,
			Old:        row,
			CommitTime: b.now(),
		})
	}
	if len(events) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", collection, err)
	}

	for _, ev := range events {
		b.publishStored(ctx, ev)
	}
	return len(events), nil
}

// publishStored announces a change that is already persisted. A failed publish does not undo
// the write, so it is logged and the write still reports success.
func (b *Backend) publishStored(ctx context.Context, event pondsync.ChangeEvent) {
	if err := b.publish(ctx, event); err != nil {
		id := event.New.String("id")
		if id == "" {
			id = event.Old.String("id")
		}
		b.log.Warn("row stored but change not published",
			zap.String("collection", event.Collection),
			zap.String("kind", string(event.Kind)),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

func (b *Backend) publish(ctx context.Context, event pondsync.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.ChangesTopic(event.Collection), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe registers the filters and subscribes to the topics of their collections.
// SUBSCRIBED is reported once Redis accepted the subscription.
func (b *Backend) Subscribe(channel string, filters []pondsync.ChangeFilter, onChange func(int, pondsync.ChangeEvent), onStatus pondsync.StatusHandler) (pondsync.StreamHandle, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("subscribe %s: no filters", channel)
	}

	seen := make(map[string]bool)
	var topics []string
	for _, f := range filters {
		topic := b.ChangesTopic(f.Collection)
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, pondsync.ErrClosed
	}
	if err := b.acquireLocked(topics); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		channel:  channel,
		filters:  append([]pondsync.ChangeFilter(nil), filters...),
		topics:   topics,
		onChange: onChange,
		onStatus: onStatus,
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.log.Debug("channel subscribed", zap.String("channel", channel), zap.Strings("topics", topics))
	onStatus(pondsync.StateSubscribed, nil)
	return &streamHandle{backend: b, id: sub.id}, nil
}

// acquireLocked subscribes to topics that have no listener yet.
func (b *Backend) acquireLocked(topics []string) error {
	var fresh []string
	for _, topic := range topics {
		if b.topics[topic] == 0 {
			fresh = append(fresh, topic)
		}
	}
	if len(fresh) > 0 {
		if err := b.pubsub.Subscribe(b.ctx, fresh...); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", strings.Join(fresh, ","), err)
		}
	}
	for _, topic := range topics {
		b.topics[topic]++
	}
	return nil
}

// releaseLocked unsubscribes from topics nobody listens to anymore.
func (b *Backend) releaseLocked(topics []string) error {
	var stale []string
	for _, topic := range topics {
		b.topics[topic]--
		if b.topics[topic] <= 0 {
			delete(b.topics, topic)
			stale = append(stale, topic)
		}
	}
	if len(stale) == 0 || b.closed {
		return nil
	}
	if err := b.pubsub.Unsubscribe(b.ctx, stale...); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", strings.Join(stale, ","), err)
	}
	return nil
}

type streamHandle struct {
	backend *Backend
	id      uint64
	once    sync.Once
}

func (h *streamHandle) Close() error {
	var err error
	h.once.Do(func() {
		b := h.backend
		b.mu.Lock()
		defer b.mu.Unlock()
		sub, ok := b.subs[h.id]
		if !ok {
			return
		}
		delete(b.subs, h.id)
		err = b.releaseLocked(sub.topics)
	})
	return err
}

// Close shuts down the pub/sub connection. Live subscriptions are told the channel closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	b.cancel()

	for _, sub := range subs {
		sub.onStatus(pondsync.StateClosed, nil)
	}

	if err := b.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}

	b.wg.Wait()

	return nil
}

func (b *Backend) handleMessages() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == "" {
				continue
			}
			switch {
			case strings.HasPrefix(msg.Channel, b.prefix+":changes:"):
				b.deliverChange([]byte(msg.Payload))
			case strings.HasPrefix(msg.Channel, b.prefix+":presence-sync:"):
				b.deliverSync(strings.TrimPrefix(msg.Channel, b.prefix+":presence-sync:"))
			}
		}
	}
}

type delivery struct {
	fn    func(int, pondsync.ChangeEvent)
	index int
}

// deliverChange hands a change event to every matching filter, in subscription order, on the
// message goroutine so per-topic ordering is preserved.
func (b *Backend) deliverChange(data []byte) {
	var event pondsync.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.log.Warn("dropping undecodable change event", zap.Error(err))
		return
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var deliveries []delivery
	for _, id := range ids {
		sub := b.subs[id]
		for i, f := range sub.filters {
			if f.Matches(event) {
				deliveries = append(deliveries, delivery{fn: sub.onChange, index: i})
			}
		}
	}
	b.mu.RUnlock()

	for _, d := range deliveries {
		b.invoke(d, event)
	}
}

func (b *Backend) invoke(d delivery, event pondsync.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("change handler panicked", zap.String("collection", event.Collection), zap.Any("panic", r))
		}
	}()
	d.fn(d.index, event)
}
