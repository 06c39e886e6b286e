package pondsync

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type descriptor struct {
	filter    ChangeFilter
	callbacks []ownedCallback
}

type ownedCallback struct {
	owner int
	fn    ChangeHandler
}

type ownedListener struct {
	owner int
	fn    ConnectionHandler
}

type debounceSlot struct {
	event     ChangeEvent
	collapsed int
}

// session is the single live channel for a name. generation increments on every connect and
// teardown so callbacks from a superseded backend subscription are ignored.
type session struct {
	mu          sync.Mutex
	mux         *Multiplexer
	id          uint64
	name        string
	descriptors []*descriptor
	debounce    time.Duration
	state       ConnectionState
	attempts    int
	generation  uint64
	handle      StreamHandle
	owners      int
	nextOwner   int
	disposed    bool
	openedAt    time.Time
	pending     map[int]*debounceSlot
	listeners   map[int]ownedListener
	nextListen  int
}

func newSession(m *Multiplexer, id uint64, name string, subs []Subscription, debounce time.Duration) *session {
	descriptors := make([]*descriptor, len(subs))
	for i, sub := range subs {
		descriptors[i] = &descriptor{filter: sub.changeFilter()}
	}
	return &session{
		mux:         m,
		id:          id,
		name:        name,
		descriptors: descriptors,
		debounce:    debounce,
		state:       StateConnecting,
		openedAt:    m.scheduler.Now(),
		pending:     make(map[int]*debounceSlot),
		listeners:   make(map[int]ownedListener),
	}
}

func (s *session) timerKey(parts ...interface{}) string {
	key := fmt.Sprintf("mux#%d/", s.id)
	for _, p := range parts {
		key += fmt.Sprint(p) + "/"
	}
	return key
}

func (s *session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed && s.state != StateClosed
}

func (s *session) currentState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) ownerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners
}

// attach registers a new owner whose callbacks hang off existing descriptors with the same
// (collection, kind, filter) key. The descriptor set itself never changes.
func (s *session) attach(subs []Subscription) (*ChannelHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]*descriptor, len(subs))
	used := make(map[*descriptor]bool)
	for i, sub := range subs {
		key := sub.changeFilter().Key()
		for _, d := range s.descriptors {
			if d.filter.Key() == key && !used[d] {
				targets[i] = d
				used[d] = true
				break
			}
		}
		if targets[i] == nil {
			return nil, conflict(s.name, "channel is already open with a different subscription set").
				withDetails(map[string]string{"subscription": key})
		}
	}

	s.nextOwner++
	owner := s.nextOwner
	for i, sub := range subs {
		targets[i].callbacks = append(targets[i].callbacks, ownedCallback{owner: owner, fn: sub.Callback})
	}
	s.owners++

	return &ChannelHandle{session: s, owner: owner}, nil
}

func (s *session) addListener(owner int, fn ConnectionHandler) func() {
	s.mu.Lock()
	s.nextListen++
	id := s.nextListen
	s.listeners[id] = ownedListener{owner: owner, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *session) filters() []ChangeFilter {
	out := make([]ChangeFilter, len(s.descriptors))
	for i, d := range s.descriptors {
		out[i] = d.filter
	}
	return out
}

// connect opens a fresh backend subscription, closing the previous one if any.
func (s *session) connect() {
	s.mu.Lock()
	if s.disposed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen := s.generation
	previous := s.handle
	s.handle = nil
	filters := s.filters()
	s.mu.Unlock()

	s.transition(gen, StateConnecting, nil)

	if previous != nil {
		if err := previous.Close(); err != nil {
			s.mux.log.Debug("closing superseded subscription failed", zap.String("channel", s.name), zap.Error(err))
		}
	}

	if s.mux.stream == nil {
		s.transition(gen, StateError, unavailable(s.name, "no change stream configured"))
		return
	}

	handle, err := s.mux.stream.Subscribe(s.name, filters,
		func(index int, event ChangeEvent) {
			s.receive(gen, index, event)
		},
		func(state ConnectionState, err error) {
			s.transition(gen, state, err)
		},
	)
	if err != nil {
		s.transition(gen, StateError, unavailable(s.name, "subscribe failed: "+err.Error()).withCause(err))
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		if err := handle.Close(); err != nil {
			s.mux.log.Debug("closing stale subscription failed", zap.String("channel", s.name), zap.Error(err))
		}
		return
	}
	s.handle = handle
	s.mu.Unlock()
}

// transition applies a backend status report. Errors and timeouts schedule a single
// reconnect; once attempts reach the configured maximum the session gives up for good.
func (s *session) transition(gen uint64, state ConnectionState, cause error) {
	cfg := s.mux.config

	s.mu.Lock()
	if gen != s.generation || s.disposed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	wasConnected := s.state == StateSubscribed
	reconnectKey := s.timerKey("reconnect")
	var (
		giveUp    bool
		handle    StreamHandle
		delay     time.Duration
		reconnect bool
	)

	switch state {
	case StateSubscribed:
		s.attempts = 0
		s.state = StateSubscribed
	case StateConnecting:
		s.state = StateConnecting
	case StateError, StateTimedOut, StateClosed:
		if state == StateClosed {
			state = StateError
		}
		if (s.state == StateError || s.state == StateTimedOut) && s.mux.scheduler.Pending(reconnectKey) {
			s.mu.Unlock()
			return
		}
		s.state = state
		if s.attempts >= cfg.MaxReconnectAttempts {
			giveUp = true
			s.state = StateClosed
			s.generation++
			handle = s.handle
			s.handle = nil
			break
		}
		s.attempts++
		delay = cfg.ErrorRetryDelay
		if state == StateTimedOut {
			delay = cfg.TimeoutRetryDelay
		}
		reconnect = true
	default:
		s.mu.Unlock()
		return
	}

	finalState := s.state
	attempts := s.attempts
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	fields := []zap.Field{zap.String("channel", s.name), zap.String("state", string(finalState)), zap.Int("attempt", attempts)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}

	switch {
	case giveUp:
		s.mux.log.Warn("giving up on channel after exhausting reconnects", fields...)
		s.mux.scheduler.CancelPrefix(s.timerKey())
		if handle != nil {
			if err := handle.Close(); err != nil {
				s.mux.log.Debug("unsubscribe after give-up failed", zap.String("channel", s.name), zap.Error(err))
			}
		}
		s.mux.hooks.metrics().ChannelClosed(s.name, s.mux.scheduler.Now().Sub(s.openedAt))
		s.mux.release(s)
	case reconnect:
		s.mux.log.Info("channel failed, scheduling reconnect", append(fields, zap.Duration("delay", delay))...)
		s.mux.hooks.metrics().ReconnectScheduled(s.name, attempts, delay)
		s.mux.scheduler.Schedule(reconnectKey, delay, s.connect)
	default:
		s.mux.log.Debug("channel state changed", fields...)
	}

	s.mux.hooks.stateChanged(s.name, finalState)

	if connected := finalState == StateSubscribed; connected != wasConnected {
		for _, fn := range listeners {
			fn(connected)
		}
	}
}

func (s *session) listenerSnapshot() []ConnectionHandler {
	out := make([]ConnectionHandler, 0, len(s.listeners))
	for id := 1; id <= s.nextListen; id++ {
		if l, ok := s.listeners[id]; ok {
			out = append(out, l.fn)
		}
	}
	return out
}

// receive takes a raw delivery for descriptor index. With a debounce window the latest event
// replaces any pending one and the slot's timer restarts.
func (s *session) receive(gen uint64, index int, event ChangeEvent) {
	s.mu.Lock()
	if gen != s.generation || s.disposed || s.state == StateClosed || index < 0 || index >= len(s.descriptors) {
		s.mu.Unlock()
		return
	}
	d := s.descriptors[index]

	if s.debounce <= 0 {
		callbacks := append([]ownedCallback(nil), d.callbacks...)
		s.mu.Unlock()
		s.dispatch(d.filter.Collection, callbacks, event, 1)
		return
	}

	slot, ok := s.pending[index]
	if !ok {
		slot = &debounceSlot{}
		s.pending[index] = slot
	}
	slot.event = event
	slot.collapsed++
	key := s.timerKey("debounce", index, d.filter.Key())
	s.mu.Unlock()

	s.mux.scheduler.Schedule(key, s.debounce, func() {
		s.flush(index)
	})
}

func (s *session) flush(index int) {
	s.mu.Lock()
	slot, ok := s.pending[index]
	if !ok || s.disposed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, index)
	d := s.descriptors[index]
	callbacks := append([]ownedCallback(nil), d.callbacks...)
	s.mu.Unlock()

	s.dispatch(d.filter.Collection, callbacks, slot.event, slot.collapsed)
}

func (s *session) dispatch(collection string, callbacks []ownedCallback, event ChangeEvent, collapsed int) {
	s.mux.hooks.metrics().EventDispatched(s.name, collection, collapsed)
	for _, cb := range callbacks {
		s.invoke(cb.fn, event)
	}
}

func (s *session) invoke(fn ChangeHandler, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.mux.log.Error("subscription callback panicked",
				zap.String("channel", s.name),
				zap.String("collection", event.Collection),
				zap.Any("panic", r),
			)
		}
	}()
	fn(event)
}

// detach removes one owner. The last owner tears the session down and schedules the registry
// release after the grace delay.
func (s *session) detach(owner int) {
	s.mu.Lock()
	for _, d := range s.descriptors {
		kept := d.callbacks[:0]
		for _, cb := range d.callbacks {
			if cb.owner != owner {
				kept = append(kept, cb)
			}
		}
		d.callbacks = kept
	}
	for id, l := range s.listeners {
		if l.owner == owner {
			delete(s.listeners, id)
		}
	}
	s.owners--
	remaining := s.owners
	s.mu.Unlock()

	if remaining > 0 {
		return
	}
	if err := s.teardown(); err != nil {
		s.mux.log.Warn("unsubscribe failed", zap.String("channel", s.name), zap.Error(err))
	}
}

// teardown cancels every timer, unsubscribes, and releases the session after the grace delay.
func (s *session) teardown() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	wasClosed := s.state == StateClosed
	s.state = StateClosed
	s.generation++
	handle := s.handle
	s.handle = nil
	s.pending = make(map[int]*debounceSlot)
	s.mu.Unlock()

	s.mux.scheduler.CancelPrefix(s.timerKey())

	var err error
	if handle != nil {
		err = handle.Close()
	}
	if !wasClosed {
		s.mux.hooks.metrics().ChannelClosed(s.name, s.mux.scheduler.Now().Sub(s.openedAt))
		s.mux.hooks.stateChanged(s.name, StateClosed)
	}
	s.mux.log.Debug("channel session disposed", zap.String("channel", s.name))

	if grace := s.mux.config.DisposeGrace; grace > 0 {
		s.mux.scheduler.Schedule(s.timerKey("release"), grace, func() {
			s.mux.release(s)
		})
	} else {
		s.mux.release(s)
	}
	return err
}
