package pgstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/pondsync"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu        sync.Mutex
	listened  []string
	listenErr error
	pings     int
	closed    bool
	ch        chan *pq.Notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan *pq.Notification, 8)}
}

func (f *fakeNotifier) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeNotifier) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeNotifier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNotifier) NotificationChannel() <-chan *pq.Notification {
	return f.ch
}

type received struct {
	mu       sync.Mutex
	indexes  []int
	events   []pondsync.ChangeEvent
	statuses []pondsync.ConnectionState
}

func (r *received) onChange(index int, event pondsync.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = append(r.indexes, index)
	r.events = append(r.events, event)
}

func (r *received) onStatus(state pondsync.ConnectionState, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, state)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startListener(t *testing.T, opts ListenerOptions) (*Listener, *fakeNotifier) {
	t.Helper()
	conn := newFakeNotifier()
	l := newListener(conn, opts)
	require.NoError(t, l.start())
	t.Cleanup(func() { l.Close() })
	return l, conn
}

var messageFilters = []pondsync.ChangeFilter{
	{Collection: "messages", Kind: pondsync.EventInsert, Filter: pondsync.Eq("conversation_id", "c1")},
	{Collection: "messages", Kind: pondsync.EventDelete},
}

func TestParsePayload(t *testing.T) {
	t.Run("full images", func(t *testing.T) {
		payload, err := ParsePayload(`{"event_id":"e1","table":"messages","action":"UPDATE","data":{"old":{"id":"m1","body":"a"},"new":{"id":"m1","body":"b"}}}`)
		require.NoError(t, err)

		assert.Empty(t, payload.GetID())
		event := payload.ChangeEvent()
		assert.Equal(t, "messages", event.Collection)
		assert.Equal(t, pondsync.EventUpdate, event.Kind)
		assert.Equal(t, "a", event.Old.String("body"))
		assert.Equal(t, "b", event.New.String("body"))
	})

	t.Run("truncated payloads expose the row id", func(t *testing.T) {
		payload, err := ParsePayload(`{"table":"messages","action":"UPDATE","data":{"is_too_long_payload":true,"old_id":"m1","new_id":"m2"}}`)
		require.NoError(t, err)
		assert.Equal(t, "m2", payload.GetID())

		payload.Data.NewID = ""
		assert.Equal(t, "m1", payload.GetID())
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := ParsePayload("not json")
		assert.Error(t, err)
	})
}

func TestListenerStart(t *testing.T) {
	t.Run("listens on the default channel", func(t *testing.T) {
		_, conn := startListener(t, ListenerOptions{})
		assert.Equal(t, []string{DefaultChannel}, conn.listened)
	})

	t.Run("listen failures are returned", func(t *testing.T) {
		conn := newFakeNotifier()
		conn.listenErr = errors.New("refused")
		l := newListener(conn, ListenerOptions{Channel: "changes"})
		assert.ErrorContains(t, l.start(), "failed to listen on changes")
	})

	t.Run("idle connections are pinged", func(t *testing.T) {
		_, conn := startListener(t, ListenerOptions{PingInterval: 5 * time.Millisecond})
		assert.Eventually(t, func() bool {
			conn.mu.Lock()
			defer conn.mu.Unlock()
			return conn.pings > 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestListenerDispatch(t *testing.T) {
	t.Run("notifications reach matching subscriptions", func(t *testing.T) {
		l, conn := startListener(t, ListenerOptions{})
		got := &received{}
		_, err := l.Subscribe("chat:c1", messageFilters, got.onChange, got.onStatus)
		require.NoError(t, err)
		assert.Equal(t, []pondsync.ConnectionState{pondsync.StateSubscribed}, got.statuses)

		conn.ch <- nil
		conn.ch <- &pq.Notification{Extra: `{"table":"messages","action":"INSERT","data":{"new":{"id":"m0","conversation_id":"c2"}}}`}
		conn.ch <- &pq.Notification{Extra: `{"table":"messages","action":"INSERT","data":{"new":{"id":"m1","conversation_id":"c1"}}}`}

		require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
		got.mu.Lock()
		defer got.mu.Unlock()
		assert.Equal(t, []int{0}, got.indexes)
		assert.Equal(t, "m1", got.events[0].New.String("id"))
	})

	t.Run("truncated deletes keep only the id", func(t *testing.T) {
		l, _ := startListener(t, ListenerOptions{})
		got := &received{}
		_, err := l.Subscribe("chat:c1", messageFilters, got.onChange, got.onStatus)
		require.NoError(t, err)

		l.handle(`{"table":"messages","action":"DELETE","data":{"is_too_long_payload":true,"old_id":"m1"}}`)

		require.Len(t, got.events, 1)
		assert.Equal(t, []int{1}, got.indexes)
		assert.Equal(t, pondsync.Row{"id": "m1"}, got.events[0].Old)
		assert.Empty(t, got.events[0].New)
	})

	t.Run("undecodable notifications are dropped", func(t *testing.T) {
		l, _ := startListener(t, ListenerOptions{})
		got := &received{}
		_, err := l.Subscribe("chat:c1", messageFilters, got.onChange, got.onStatus)
		require.NoError(t, err)

		l.handle("{")
		assert.Empty(t, got.events)
	})

	t.Run("closed handles stop receiving", func(t *testing.T) {
		l, _ := startListener(t, ListenerOptions{})
		got := &received{}
		handle, err := l.Subscribe("chat:c1", messageFilters, got.onChange, got.onStatus)
		require.NoError(t, err)
		require.NoError(t, handle.Close())

		l.handle(`{"table":"messages","action":"INSERT","data":{"new":{"id":"m1","conversation_id":"c1"}}}`)
		assert.Empty(t, got.events)
	})

	t.Run("requires filters", func(t *testing.T) {
		l, _ := startListener(t, ListenerOptions{})
		got := &received{}
		_, err := l.Subscribe("chat:c1", nil, got.onChange, got.onStatus)
		assert.Error(t, err)
	})
}

func TestListenerSubscribeWhileDown(t *testing.T) {
	conn := newFakeNotifier()
	l := newListener(conn, ListenerOptions{})
	t.Cleanup(func() { l.Close() })

	var causes []error
	var states []pondsync.ConnectionState
	onStatus := func(state pondsync.ConnectionState, err error) {
		states = append(states, state)
		causes = append(causes, err)
	}

	_, err := l.Subscribe("a", messageFilters, func(int, pondsync.ChangeEvent) {}, onStatus)
	require.NoError(t, err)
	assert.Equal(t, []pondsync.ConnectionState{pondsync.StateError}, states)
	assert.ErrorIs(t, causes[0], errListenerDown)

	refused := errors.New("connection refused")
	l.onListenerEvent(pq.ListenerEventConnectionAttemptFailed, refused)
	_, err = l.Subscribe("b", messageFilters, func(int, pondsync.ChangeEvent) {}, onStatus)
	require.NoError(t, err)
	assert.ErrorIs(t, causes[len(causes)-1], refused)
}

func TestListenerConnectionEvents(t *testing.T) {
	l, conn := startListener(t, ListenerOptions{})
	early := &received{}
	_, err := l.Subscribe("a", messageFilters, early.onChange, early.onStatus)
	require.NoError(t, err)

	l.onListenerEvent(pq.ListenerEventDisconnected, errors.New("connection reset"))

	late := &received{}
	_, err = l.Subscribe("b", messageFilters, late.onChange, late.onStatus)
	require.NoError(t, err)
	assert.Equal(t, []pondsync.ConnectionState{pondsync.StateError}, late.statuses)

	l.onListenerEvent(pq.ListenerEventReconnected, nil)

	assert.Equal(t, []pondsync.ConnectionState{pondsync.StateSubscribed, pondsync.StateError, pondsync.StateSubscribed}, early.statuses)
	assert.Equal(t, []pondsync.ConnectionState{pondsync.StateError, pondsync.StateSubscribed}, late.statuses)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, conn.closed)

	l.onListenerEvent(pq.ListenerEventDisconnected, errors.New("gone"))
	assert.Len(t, early.statuses, 3)

	_, err = l.Subscribe("c", messageFilters, late.onChange, late.onStatus)
	assert.ErrorIs(t, err, pondsync.ErrClosed)
}
