// This file contains the FanOut, the application-wide channel carrying cross-cutting
// subscriptions. Every change it receives is re-broadcast on the EventBus under a stable event
// name, so a new cross-cutting concern costs one route and one listener, never a new channel.
package pondsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type fanOutRoute struct {
	collection string
	kind       EventKind
	filter     Filter
	event      string
}

func fanOutRoutes(userID string) []fanOutRoute {
	return []fanOutRoute{
		{collection: CollectionProfiles, kind: EventUpdate, filter: Eq("id", userID), event: EventProfileUpdated},
		{collection: CollectionPoints, kind: EventAny, filter: Eq("user_id", userID), event: EventGamificationUpdated},
		{collection: CollectionMessages, kind: EventInsert, event: EventChatMessagesUpdated},
		{collection: CollectionNotifications, kind: EventInsert, filter: Eq("user_id", userID), event: EventNotificationReceived},
		{collection: CollectionConversations, kind: EventAny, event: EventConversationsUpdated},
		{collection: CollectionWorkoutActivities, kind: EventInsert, filter: Eq("user_id", userID), event: EventWorkoutActivityCreated},
	}
}

// GlobalChannelName returns the fan-out channel name for a user.
func GlobalChannelName(userID string) string {
	return "global-events:" + userID
}

type FanOut struct {
	mux      *Multiplexer
	bus      *EventBus
	log      *zap.Logger
	debounce time.Duration

	mu     sync.Mutex
	userID string
	refs   int
	handle *ChannelHandle
}

// NewFanOut creates the fan-out over mux, publishing on bus.
func NewFanOut(mux *Multiplexer, bus *EventBus, log *zap.Logger, debounce time.Duration) *FanOut {
	return &FanOut{
		mux:      mux,
		bus:      bus,
		log:      loggerOrNop(log).Named("fanout"),
		debounce: debounce,
	}
}

// Start activates the fan-out for userID. Concurrent starts for the same user share one
// channel; the returned stop function releases this caller's reference and the last release
// disposes the channel. Starting for a different user while active is rejected.
func (f *FanOut) Start(userID string) (func(), error) {
	if userID == "" {
		return nil, badRequest("", "fan-out requires an authenticated user id")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs > 0 {
		if f.userID != userID {
			return nil, conflict(GlobalChannelName(f.userID), "fan-out is already active for another user")
		}
		f.refs++
		return f.stopFunc(), nil
	}

	routes := fanOutRoutes(userID)
	subs := make([]Subscription, len(routes))
	for i, route := range routes {
		route := route
		subs[i] = Subscription{
			Collection: route.collection,
			Event:      route.kind,
			Filter:     route.filter,
			Callback: func(event ChangeEvent) {
				f.forward(route.event, event)
			},
		}
	}

	handle, err := f.mux.Open(GlobalChannelName(userID), subs, f.debounce)
	if err != nil {
		return nil, wrap(err, "failed to open fan-out channel")
	}

	f.userID = userID
	f.refs = 1
	f.handle = handle
	f.log.Info("global fan-out started", zap.String("channel", handle.Name()))
	return f.stopFunc(), nil
}

func (f *FanOut) stopFunc() func() {
	var once sync.Once
	return func() {
		once.Do(f.release)
	}
}

func (f *FanOut) release() {
	f.mu.Lock()
	f.refs--
	if f.refs > 0 {
		f.mu.Unlock()
		return
	}
	handle := f.handle
	f.handle = nil
	f.userID = ""
	f.refs = 0
	f.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		f.log.Info("global fan-out stopped", zap.String("channel", handle.Name()))
	}
}

// Active reports whether a fan-out channel is open.
func (f *FanOut) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs > 0
}

// IsConnected reports the live state of the fan-out channel.
func (f *FanOut) IsConnected() bool {
	f.mu.Lock()
	handle := f.handle
	f.mu.Unlock()
	return handle != nil && handle.IsConnected()
}

func (f *FanOut) forward(name string, event ChangeEvent) {
	row := event.Row()
	delivered := f.bus.Emit(AppEvent{
		Name:       name,
		Collection: event.Collection,
		Kind:       event.Kind,
		Record:     DecodeRecord(event.Collection, row),
		Row:        row,
		Old:        event.Old,
	})
	f.log.Debug("fan-out event", zap.String("event", name), zap.Int("listeners", delivered))
}
