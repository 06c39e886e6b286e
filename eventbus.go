package pondsync

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	EventProfileUpdated         = "profile-updated"
	EventGamificationUpdated    = "gamification-updated"
	EventChatMessagesUpdated    = "chat-messages-updated"
	EventNotificationReceived   = "notification-received"
	EventConversationsUpdated   = "conversations-updated"
	EventWorkoutActivityCreated = "workout-activity-created"
)

// AppEvent is a named application-level broadcast of a backend change.
type AppEvent struct {
	Name       string
	Collection string
	Kind       EventKind
	Record     Record
	Row        Row
	Old        Row
}

// EventListener receives application events.
type EventListener func(event AppEvent)

// EventBus delivers named events to loosely coupled listeners. Listeners run synchronously
// on the emitting goroutine in registration order.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string]map[int]EventListener
	next      int
	log       *zap.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log *zap.Logger) *EventBus {
	return &EventBus{
		listeners: make(map[string]map[int]EventListener),
		log:       loggerOrNop(log).Named("events"),
	}
}

// On registers fn for events called name and returns a function removing it.
func (b *EventBus) On(name string, fn EventListener) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.listeners[name] == nil {
		b.listeners[name] = make(map[int]EventListener)
	}
	b.listeners[name][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[name], id)
			if len(b.listeners[name]) == 0 {
				delete(b.listeners, name)
			}
			b.mu.Unlock()
		})
	}
}

// Emit delivers event to every listener of event.Name and returns how many were called.
// A panicking listener is logged and does not stop delivery to the others.
func (b *EventBus) Emit(event AppEvent) int {
	b.mu.RLock()
	registered := b.listeners[event.Name]
	ids := make([]int, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]EventListener, len(ids))
	for i, id := range ids {
		fns[i] = registered[id]
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, event)
	}
	return len(fns)
}

func (b *EventBus) deliver(fn EventListener, event AppEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", zap.String("event", event.Name), zap.Any("panic", r))
		}
	}()
	fn(event)
}

// ListenerCount returns the number of listeners registered for name.
func (b *EventBus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}
