// Package memory provides an in-process pondsync backend. It keeps rows in memory, pushes
// change events to matching subscriptions and hosts presence channels, which makes it suitable
// for single-process deployments, the demo and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/pondsync"
	"github.com/google/uuid"
)

// ErrOffline is reported to subscriptions while the backend is switched offline.
var ErrOffline = errors.New("memory: backend offline")

// ErrInjected is returned by inserts failed through FailNextInserts.
var ErrInjected = errors.New("memory: injected insert failure")

// Options configures a Backend.
type Options struct {
	// Now stamps created_at on inserted rows. Defaults to time.Now.
	Now func() time.Time
}

// Backend implements pondsync.Store, pondsync.ChangeStream and pondsync.PresenceBackend.
// Change events are delivered synchronously on the goroutine performing the write, after the
// backend lock is released.
type Backend struct {
	now func() time.Time

	mu          sync.Mutex
	tables      map[string][]pondsync.Row
	subs        map[uint64]*subscription
	rooms       map[string]*room
	nextID      uint64
	failInserts int
	offline     bool
	subscribes  int
	inserts     int
}

type subscription struct {
	id       uint64
	channel  string
	filters  []pondsync.ChangeFilter
	onChange func(int, pondsync.ChangeEvent)
	onStatus pondsync.StatusHandler
}

// New creates an empty backend.
func New(opts Options) *Backend {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{
		now:    now,
		tables: make(map[string][]pondsync.Row),
		subs:   make(map[uint64]*subscription),
		rooms:  make(map[string]*room),
	}
}

// Seed stores rows without emitting change events.
func (b *Backend) Seed(collection string, rows ...pondsync.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, row := range rows {
		b.tables[collection] = append(b.tables[collection], row.Clone())
	}
}

// FailNextInserts makes the next n inserts fail with ErrInjected.
func (b *Backend) FailNextInserts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failInserts = n
}

// Inserts returns how many inserts were attempted, including failed ones.
func (b *Backend) Inserts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inserts
}

// SetOffline toggles connectivity. Going offline reports CHANNEL_ERROR to every live
// subscription and stops their deliveries; subscriptions opened while offline fail the same way.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	var dropped []*subscription
	if offline {
		for id, sub := range b.subs {
			dropped = append(dropped, sub)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.onStatus(pondsync.StateError, ErrOffline)
	}
}

// Subscribes returns how many backend subscriptions were ever opened.
func (b *Backend) Subscribes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

// ActiveSubscriptions returns the number of live subscriptions on channel.
func (b *Backend) ActiveSubscriptions(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, sub := range b.subs {
		if sub.channel == channel {
			count++
		}
	}
	return count
}

func (b *Backend) Query(ctx context.Context, collection string, filter pondsync.Filter) ([]pondsync.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []pondsync.Row
	for _, row := range b.tables[collection] {
		if filter.Match(row) {
			out = append(out, row.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time("created_at").Before(out[j].Time("created_at"))
	})
	return out, nil
}

// Insert stores row, assigning an id and created_at, and emits an INSERT event.
func (b *Backend) Insert(ctx context.Context, collection string, row pondsync.Row) (pondsync.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.inserts++
	if b.failInserts > 0 {
		b.failInserts--
		b.mu.Unlock()
		return nil, ErrInjected
	}
	if b.offline {
		b.mu.Unlock()
		return nil, ErrOffline
	}
	stored := row.Clone()
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	stored["created_at"] = b.now().UTC().Format(time.RFC3339Nano)
	b.tables[collection] = append(b.tables[collection], stored)
	b.mu.Unlock()

	b.emit(pondsync.ChangeEvent{
		Collection: collection,
		Kind:       pondsync.EventInsert,
		New:        stored.Clone(),
		CommitTime: b.now(),
	})
	return stored.Clone(), nil
}

// Update merges patch into every matching row and emits one UPDATE event per row.
func (b *Backend) Update(ctx context.Context, collection string, filter pondsync.Filter, patch pondsync.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return 0, ErrOffline
	}
	var events []pondsync.ChangeEvent
	rows := b.tables[collection]
	for i, row := range rows {
		if !filter.Match(row) {
			continue
		}
		updated := row.Merge(patch)
		rows[i] = updated
		events = append(events, pondsync.ChangeEvent{
			Collection: collection,
			Kind:       pondsync.EventUpdate,
			New:        updated.Clone(),
			Old:        row,
			CommitTime: b.now(),
		})
	}
	b.mu.Unlock()

	for _, ev := range events {
		b.emit(ev)
	}
	return len(events), nil
}

// Delete removes every matching row and emits one DELETE event per row.
func (b *Backend) Delete(ctx context.Context, collection string, filter pondsync.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	var (
		kept   []pondsync.Row
		events []pondsync.ChangeEvent
	)
	for _, row := range b.tables[collection] {
		if filter.Match(row) {
			events = append(events, pondsync.ChangeEvent{
				Collection: collection,
				Kind:       pondsync.EventDelete,
				Old:        row,
				CommitTime: b.now(),
			})
			continue
		}
		kept = append(kept, row)
	}
	b.tables[collection] = kept
	b.mu.Unlock()

	for _, ev := range events {
		b.emit(ev)
	}
	return len(events), nil
}

// Emit pushes a raw change event to matching subscriptions without touching stored rows.
func (b *Backend) Emit(event pondsync.ChangeEvent) {
	if event.CommitTime.IsZero() {
		event.CommitTime = b.now()
	}
	b.emit(event)
}

type delivery struct {
	sub   *subscription
	index int
}

func (b *Backend) emit(event pondsync.ChangeEvent) {
	b.mu.Lock()
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
				deliveries = append(deliveries, delivery{sub: sub, index: i})
			}
		}
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d.sub.onChange(d.index, event)
	}
}

// Subscribe opens a subscription. Status is reported synchronously before Subscribe returns.
func (b *Backend) Subscribe(channel string, filters []pondsync.ChangeFilter, onChange func(int, pondsync.ChangeEvent), onStatus pondsync.StatusHandler) (pondsync.StreamHandle, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("memory: subscribe %s: no filters", channel)
	}

	b.mu.Lock()
	b.nextID++
	b.subscribes++
	sub := &subscription{
		id:       b.nextID,
		channel:  channel,
		filters:  append([]pondsync.ChangeFilter(nil), filters...),
		onChange: onChange,
		onStatus: onStatus,
	}
	offline := b.offline
	if !offline {
		b.subs[sub.id] = sub
	}
	b.mu.Unlock()

	if offline {
		onStatus(pondsync.StateError, ErrOffline)
	} else {
		onStatus(pondsync.StateSubscribed, nil)
	}
	return &streamHandle{backend: b, sub: sub}, nil
}

type streamHandle struct {
	backend *Backend
	sub     *subscription
	once    sync.Once
}

func (h *streamHandle) Close() error {
	h.once.Do(func() {
		h.backend.mu.Lock()
		delete(h.backend.subs, h.sub.id)
		h.backend.mu.Unlock()
	})
	return nil
}
