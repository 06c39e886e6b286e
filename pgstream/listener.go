package pgstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/pondsync"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var errListenerDown = errors.New("listener connection is down")

// notifier is the part of *pq.Listener the stream uses.
type notifier interface {
	Listen(channel string) error
	Ping() error
	Close() error
	NotificationChannel() <-chan *pq.Notification
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// Channel is the NOTIFY channel. Defaults to DefaultChannel.
	Channel string

	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration

	// PingInterval is how often an idle connection is checked. Defaults to two minutes.
	PingInterval time.Duration

	// Store resolves notifications whose row images were too long to inline. Optional.
	Store *Store

	Logger *zap.Logger
}

// Listener implements pondsync.ChangeStream over LISTEN/NOTIFY. A single connection serves
// every subscription; connection loss is reported to all of them as CHANNEL_ERROR and
// re-establishment as SUBSCRIBED. Subscribing while the connection is down reports
// CHANNEL_ERROR straight away.
type Listener struct {
	conn    notifier
	channel string
	store   *Store
	ping    time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	subs      map[uint64]*subscription
	nextID    uint64
	connected bool
	lastErr   error
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id       uint64
	channel  string
	filters  []pondsync.ChangeFilter
	onChange func(int, pondsync.ChangeEvent)
	onStatus pondsync.StatusHandler
}

// NewListener connects a pq.Listener to dsn and starts listening.
func NewListener(dsn string, opts ListenerOptions) (*Listener, error) {
	minInterval := opts.MinReconnectInterval
	if minInterval <= 0 {
		minInterval = 10 * time.Second
	}
	maxInterval := opts.MaxReconnectInterval
	if maxInterval <= 0 {
		maxInterval = time.Minute
	}

	l := newListener(nil, opts)
	conn := pq.NewListener(dsn, minInterval, maxInterval, l.onListenerEvent)
	l.conn = conn
	if err := l.start(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func newListener(conn notifier, opts ListenerOptions) *Listener {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 2 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		conn:    conn,
		channel: channel,
		store:   opts.Store,
		ping:    ping,
		log:     log.Named("pgstream"),
		subs:    make(map[uint64]*subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *Listener) start() error {
	if err := l.conn.Listen(l.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.serve()
	return nil
}

func (l *Listener) serve() {
	defer l.wg.Done()

	notifications := l.conn.NotificationChannel()
	for {
		select {
		case <-l.ctx.Done():
			return

		case n, ok := <-notifications:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; events may have been missed.
			if n == nil {
				continue
			}
			l.handle(n.Extra)

		case <-time.After(l.ping):
			if err := l.conn.Ping(); err != nil {
				l.log.Warn("listener ping failed", zap.Error(err))
			}
		}
	}
}

func (l *Listener) handle(extra string) {
	payload, err := ParsePayload(extra)
	if err != nil {
		l.log.Warn("dropping undecodable notification", zap.Error(err))
		return
	}
	if id := payload.GetID(); id != "" {
		l.resolve(&payload, id)
	}
	l.dispatch(payload.ChangeEvent())
}

// resolve reloads the row of a truncated notification. Deleted rows cannot be reloaded, so
// only the id survives in the old image.
func (l *Listener) resolve(payload *EventPayload, id string) {
	if payload.Action == "DELETE" || l.store == nil {
		payload.Data.Old = pondsync.Row{"id": id}
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, 5*time.Second)
	defer cancel()
	row, err := l.store.rowByID(ctx, payload.Table, id)
	if err != nil {
		l.log.Warn("failed to resolve truncated notification", zap.String("table", payload.Table), zap.String("id", id), zap.Error(err))
		payload.Data.New = pondsync.Row{"id": id}
		return
	}
	payload.Data.New = row
}

type delivery struct {
	fn    func(int, pondsync.ChangeEvent)
	index int
}

func (l *Listener) dispatch(event pondsync.ChangeEvent) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var deliveries []delivery
	for _, id := range ids {
		sub := l.subs[id]
		for i, f := range sub.filters {
			if f.Matches(event) {
				deliveries = append(deliveries, delivery{fn: sub.onChange, index: i})
			}
		}
	}
	l.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.index, event)
	}
}

// onListenerEvent maps pq connection events onto subscription states.
func (l *Listener) onListenerEvent(ev pq.ListenerEventType, err error) {
	var state pondsync.ConnectionState
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.log.Info("ready to receive events")
		state = pondsync.StateSubscribed
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.log.Warn("listener connection lost", zap.Error(err))
		state = pondsync.StateError
	default:
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.connected = state == pondsync.StateSubscribed
	l.lastErr = err
	handlers := make([]pondsync.StatusHandler, 0, len(l.subs))
	for _, sub := range l.subs {
		handlers = append(handlers, sub.onStatus)
	}
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(state, err)
	}
}

// Subscribe registers filters. The subscription reports SUBSCRIBED immediately when the
// connection is up, otherwise on the next successful reconnect.
func (l *Listener) Subscribe(channel string, filters []pondsync.ChangeFilter, onChange func(int, pondsync.ChangeEvent), onStatus pondsync.StatusHandler) (pondsync.StreamHandle, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("subscribe %s: no filters", channel)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, pondsync.ErrClosed
	}
	l.nextID++
	sub := &subscription{
		id:       l.nextID,
		channel:  channel,
		filters:  append([]pondsync.ChangeFilter(nil), filters...),
		onChange: onChange,
		onStatus: onStatus,
	}
	l.subs[sub.id] = sub
	connected := l.connected
	cause := l.lastErr
	l.mu.Unlock()

	if connected {
		onStatus(pondsync.StateSubscribed, nil)
	} else {
		if cause == nil {
			cause = errListenerDown
		}
		onStatus(pondsync.StateError, cause)
	}
	return &streamHandle{listener: l, id: sub.id}, nil
}

type streamHandle struct {
	listener *Listener
	id       uint64
}

func (h *streamHandle) Close() error {
	h.listener.mu.Lock()
	delete(h.listener.subs, h.id)
	h.listener.mu.Unlock()
	return nil
}

// Close stops the notification loop and closes the connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.subs = make(map[uint64]*subscription)
	l.mu.Unlock()

	l.cancel()
	err := l.conn.Close()
	l.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}
