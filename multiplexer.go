// This file contains the Multiplexer, which owns at most one live channel session per channel
// name. Any number of owners may open the same name; they share one backend subscription,
// and the session is torn down once the last owner disposes its handle.
package pondsync

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscription is a request to be notified of changes matching a collection, event kind and
// filter.
type Subscription struct {
	Collection string
	Event      EventKind
	Filter     Filter
	Callback   ChangeHandler
}

func (s Subscription) changeFilter() ChangeFilter {
	kind := s.Event
	if kind == "" {
		kind = EventAny
	}
	return ChangeFilter{Collection: s.Collection, Kind: kind, Filter: s.Filter}
}

// MultiplexerOptions configures a Multiplexer.
type MultiplexerOptions struct {
	Stream    ChangeStream
	Scheduler *Scheduler
	Config    Config
	Logger    *zap.Logger
	Hooks     *Hooks
}

type Multiplexer struct {
	mu        sync.Mutex
	stream    ChangeStream
	scheduler *Scheduler
	config    Config
	log       *zap.Logger
	hooks     *Hooks
	sessions  *store[*session]
	nextID    uint64
}

// NewMultiplexer creates a multiplexer over the given change stream.
func NewMultiplexer(opts MultiplexerOptions) *Multiplexer {
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = NewScheduler(nil)
	}
	cfg := opts.Config
	if cfg.MaxReconnectAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Multiplexer{
		stream:    opts.Stream,
		scheduler: scheduler,
		config:    cfg,
		log:       loggerOrNop(opts.Logger).Named("mux"),
		hooks:     opts.Hooks,
		sessions:  newStore[*session](),
	}
}

// Open returns a handle on the channel called name, creating the session and its backend
// subscription when no live session exists. When one does, the caller's callbacks are attached
// to the session's matching descriptors and no new backend subscription is made.
//
// Errors are only returned for invalid input; transport problems surface through the
// handle's connectivity flag.
func (m *Multiplexer) Open(name string, subs []Subscription, debounce time.Duration) (*ChannelHandle, error) {
	if name == "" {
		return nil, badRequest(name, "channel name is required")
	}
	if len(subs) == 0 {
		return nil, badRequest(name, "at least one subscription is required")
	}
	for i, sub := range subs {
		if sub.Collection == "" {
			return nil, badRequest(name, fmt.Sprintf("subscription %d has no collection", i))
		}
		if sub.Callback == nil {
			return nil, badRequest(name, fmt.Sprintf("subscription %d has no callback", i))
		}
		if sub.Event != "" && !sub.Event.Valid() {
			return nil, badRequest(name, fmt.Sprintf("subscription %d has unknown event kind %q", i, sub.Event))
		}
	}
	if debounce < 0 {
		debounce = 0
	}

	m.mu.Lock()

	if existing, err := m.sessions.Read(name); err == nil && existing.live() {
		handle, err := existing.attach(subs)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.log.Debug("reusing channel session", zap.String("channel", name), zap.Int("owners", existing.ownerCount()))
		return handle, nil
	}

	m.nextID++
	s := newSession(m, m.nextID, name, subs, debounce)
	handle, _ := s.attach(subs)
	m.sessions.Upsert(name, s)
	m.mu.Unlock()

	m.log.Debug("opening channel session", zap.String("channel", name), zap.Int("subscriptions", len(subs)))
	m.hooks.metrics().ChannelOpened(name)
	s.connect()

	return handle, nil
}

// State returns the connection state of the live session called name.
func (m *Multiplexer) State(name string) (ConnectionState, bool) {
	s, err := m.sessions.Read(name)
	if err != nil {
		return StateClosed, false
	}
	return s.currentState(), true
}

// Channels returns the names of the sessions currently registered.
func (m *Multiplexer) Channels() []string {
	return m.sessions.Keys()
}

// Close tears down every session regardless of remaining owners.
func (m *Multiplexer) Close() error {
	var errs error
	for _, s := range m.sessions.Values() {
		errs = addError(errs, s.teardown())
		m.release(s)
	}
	return errs
}

func (m *Multiplexer) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions.DeleteIf(s.name, func(current *session) bool {
		return current == s
	})
}

// ChannelHandle is one owner's view of a channel session.
type ChannelHandle struct {
	session *session
	owner   int
	once    sync.Once
}

// Name returns the channel name.
func (h *ChannelHandle) Name() string {
	return h.session.name
}

// IsConnected reports whether the session is currently subscribed.
func (h *ChannelHandle) IsConnected() bool {
	return h.session.currentState() == StateSubscribed
}

// State returns the session's connection state.
func (h *ChannelHandle) State() ConnectionState {
	return h.session.currentState()
}

// Attempts returns the number of reconnects scheduled since the last successful subscribe.
func (h *ChannelHandle) Attempts() int {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.session.attempts
}

// OnConnectionChange registers fn for connectivity flips and returns an unsubscribe function.
func (h *ChannelHandle) OnConnectionChange(fn ConnectionHandler) func() {
	return h.session.addListener(h.owner, fn)
}

// Dispose releases this owner's interest in the channel. Disposing the last owner tears the
// session down. Calling Dispose more than once is a no-op.
func (h *ChannelHandle) Dispose() {
	h.once.Do(func() {
		h.session.detach(h.owner)
	})
}
