package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// frame is a client message as the server sees it.
type frame struct {
	Action      string          `json:"action"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	ChannelName string          `json:"channelName"`
	RequestID   string          `json:"requestId"`
}

type serverConn struct {
	ws     *websocket.Conn
	query  url.Values
	frames chan frame
}

type fakeServer struct {
	srv   *httptest.Server
	conns chan *serverConn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{conns: make(chan *serverConn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, query: r.URL.Query(), frames: make(chan frame, 16)}
		s.conns <- sc
		defer close(sc.frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err == nil {
				sc.frames <- f
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		t.Cleanup(func() { sc.ws.Close() })
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (sc *serverConn) expect(t *testing.T, action string) frame {
	t.Helper()
	select {
	case f, ok := <-sc.frames:
		require.True(t, ok, "connection closed")
		require.Equal(t, action, f.Action)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame received", action)
		return frame{}
	}
}

func (sc *serverConn) send(t *testing.T, action serverAction, event, channel string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(ChannelEvent{Action: action, Event: event, ChannelName: channel, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage, data))
}

type statusEvent struct {
	state pondsync.ConnectionState
	err   error
}

type watcher struct {
	statuses chan statusEvent
	changes  chan pondsync.ChangeEvent
	indexes  chan int
	syncs    chan struct{}
}

func newWatcher() *watcher {
	return &watcher{
		statuses: make(chan statusEvent, 8),
		changes:  make(chan pondsync.ChangeEvent, 8),
		indexes:  make(chan int, 8),
		syncs:    make(chan struct{}, 8),
	}
}

func (w *watcher) onStatus(state pondsync.ConnectionState, err error) {
	w.statuses <- statusEvent{state: state, err: err}
}

func (w *watcher) onChange(index int, event pondsync.ChangeEvent) {
	w.indexes <- index
	w.changes <- event
}

func (w *watcher) onSync() {
	w.syncs <- struct{}{}
}

func (w *watcher) status(t *testing.T) statusEvent {
	t.Helper()
	select {
	case ev := <-w.statuses:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no status reported")
		return statusEvent{}
	}
}

func (w *watcher) waitSync(t *testing.T) {
	t.Helper()
	select {
	case <-w.syncs:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync reported")
	}
}

func dial(t *testing.T, s *fakeServer, opts Options) (*Client, *serverConn) {
	t.Helper()
	opts.Endpoint = s.srv.URL
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s.accept(t)
}

var chatFilters = []pondsync.ChangeFilter{
	{Collection: "messages", Kind: pondsync.EventInsert, Filter: pondsync.Eq("conversation_id", "c1")},
	{Collection: "messages", Kind: pondsync.EventDelete, Filter: pondsync.Eq("conversation_id", "c1")},
}

func TestDial(t *testing.T) {
	t.Run("rewrites http and forwards token and params", func(t *testing.T) {
		s := newFakeServer(t)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("secret"))
		require.NoError(t, err)

		c, sc := dial(t, s, Options{Token: token, Params: map[string]interface{}{"device": "web", "v": 2}})

		assert.Equal(t, "alice", c.UserID())
		assert.True(t, c.IsConnected())
		assert.Equal(t, token, sc.query.Get("token"))
		assert.Equal(t, "web", sc.query.Get("device"))
		assert.Equal(t, "2", sc.query.Get("v"))
	})

	t.Run("rejects unsupported schemes", func(t *testing.T) {
		_, err := Dial(context.Background(), Options{Endpoint: "ftp://example.com"})
		assert.ErrorContains(t, err, "unsupported scheme")
	})

	t.Run("rejects tokens without a subject", func(t *testing.T) {
		s := newFakeServer(t)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "user"}).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = Dial(context.Background(), Options{Endpoint: s.srv.URL, Token: token})
		assert.Error(t, err)
	})

	t.Run("reports unreachable servers", func(t *testing.T) {
		s := newFakeServer(t)
		endpoint := s.srv.URL
		s.srv.Close()

		_, err := Dial(context.Background(), Options{Endpoint: endpoint})
		assert.ErrorContains(t, err, "failed to connect")
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("join carries the filters and ACKNOWLEDGE subscribes", func(t *testing.T) {
		s := newFakeServer(t)
		c, sc := dial(t, s, Options{})
		w := newWatcher()

		handle, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		require.NoError(t, err)

		join := sc.expect(t, string(joinChannel))
		assert.Equal(t, "chat:c1", join.ChannelName)
		assert.NotEmpty(t, join.RequestID)
		var payload JoinPayload
		require.NoError(t, json.Unmarshal(join.Payload, &payload))
		filters, err := payload.ChangeFilters()
		require.NoError(t, err)
		assert.Equal(t, chatFilters, filters)
		assert.Empty(t, w.statuses)

		sc.send(t, actionSystem, eventAcknowledge, "chat:c1", map[string]interface{}{})
		assert.Equal(t, pondsync.StateSubscribed, w.status(t).state)

		require.NoError(t, handle.Close())
		leave := sc.expect(t, string(leaveChannel))
		assert.Equal(t, "chat:c1", leave.ChannelName)
	})

	t.Run("change broadcasts are matched locally", func(t *testing.T) {
		s := newFakeServer(t)
		c, sc := dial(t, s, Options{})
		w := newWatcher()
		_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		require.NoError(t, err)
		sc.expect(t, string(joinChannel))
		sc.send(t, actionSystem, eventAcknowledge, "chat:c1", nil)
		w.status(t)

		sc.send(t, actionBroadcast, EventChange, "chat:c1", ChangePayload{
			Collection: "messages", Kind: pondsync.EventInsert, New: pondsync.Row{"id": "m0", "conversation_id": "c2"}, CommitTime: epoch,
		})
		sc.send(t, actionBroadcast, "other", "chat:c1", ChangePayload{Collection: "messages", Kind: pondsync.EventInsert})
		sc.send(t, actionBroadcast, EventChange, "chat:c1", ChangePayload{
			Collection: "messages", Kind: pondsync.EventDelete, Old: pondsync.Row{"id": "m1", "conversation_id": "c1"}, CommitTime: epoch,
		})

		select {
		case index := <-w.indexes:
			assert.Equal(t, 1, index)
		case <-time.After(2 * time.Second):
			t.Fatal("no change delivered")
		}
		change := <-w.changes
		assert.Equal(t, pondsync.EventDelete, change.Kind)
		assert.Equal(t, "m1", change.Row().String("id"))
		assert.True(t, epoch.Equal(change.CommitTime))
		assert.Empty(t, w.changes)
	})

	t.Run("rejected joins report the server error", func(t *testing.T) {
		s := newFakeServer(t)
		c, sc := dial(t, s, Options{})
		w := newWatcher()
		_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		require.NoError(t, err)
		sc.expect(t, string(joinChannel))

		sc.send(t, actionSystem, eventUnauthorized, "chat:c1", PondError{Message: "not a participant", Code: 403})

		ev := w.status(t)
		assert.Equal(t, pondsync.StateError, ev.state)
		var pondErr *PondError
		require.True(t, errors.As(ev.err, &pondErr))
		assert.Equal(t, 403, pondErr.Code)
		assert.Equal(t, "Error in Channel chat:c1: not a participant", pondErr.Error())
	})

	t.Run("unacknowledged joins time out", func(t *testing.T) {
		s := newFakeServer(t)
		c, sc := dial(t, s, Options{JoinTimeout: 50 * time.Millisecond})
		w := newWatcher()
		_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		require.NoError(t, err)
		sc.expect(t, string(joinChannel))

		ev := w.status(t)
		assert.Equal(t, pondsync.StateTimedOut, ev.state)
		assert.ErrorIs(t, ev.err, ErrJoinTimeout)
		sc.expect(t, string(leaveChannel))

		sc.send(t, actionSystem, eventAcknowledge, "chat:c1", nil)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, w.statuses)
	})

	t.Run("a channel name is joined once", func(t *testing.T) {
		s := newFakeServer(t)
		c, _ := dial(t, s, Options{})
		w := newWatcher()
		_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		require.NoError(t, err)

		_, err = c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
		assert.ErrorContains(t, err, "already joined")

		_, err = c.Subscribe("chat:c2", nil, w.onChange, w.onStatus)
		assert.Error(t, err)
	})
}

func TestConnectionLoss(t *testing.T) {
	s := newFakeServer(t)
	c, sc := dial(t, s, Options{})
	w := newWatcher()
	_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
	require.NoError(t, err)
	sc.expect(t, string(joinChannel))
	sc.send(t, actionSystem, eventAcknowledge, "chat:c1", nil)
	require.Equal(t, pondsync.StateSubscribed, w.status(t).state)

	require.NoError(t, sc.ws.Close())

	ev := w.status(t)
	assert.Equal(t, pondsync.StateError, ev.state)
	assert.Error(t, ev.err)
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	again := newWatcher()
	_, err = c.Subscribe("chat:c1", chatFilters, again.onChange, again.onStatus)
	require.NoError(t, err)
	redialed := s.accept(t)
	redialed.expect(t, string(joinChannel))
	redialed.send(t, actionSystem, eventAcknowledge, "chat:c1", nil)
	assert.Equal(t, pondsync.StateSubscribed, again.status(t).state)
}

func TestPresence(t *testing.T) {
	s := newFakeServer(t)
	c, sc := dial(t, s, Options{})
	w := newWatcher()

	room, err := c.JoinPresence("room:1", w.onSync, w.onStatus)
	require.NoError(t, err)
	join := sc.expect(t, string(joinChannel))
	var payload JoinPayload
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	assert.True(t, payload.Presence)
	assert.Empty(t, payload.Subscriptions)

	sc.send(t, actionSystem, eventAcknowledge, "room:1", nil)
	require.Equal(t, pondsync.StateSubscribed, w.status(t).state)

	require.NoError(t, room.Track(context.Background(), pondsync.PresenceRecord{UserID: "alice", LastHeartbeat: epoch, Typing: true}))
	track := sc.expect(t, string(broadcast))
	assert.Equal(t, EventPresenceTrack, track.Event)
	var tracked pondsync.PresenceRecord
	require.NoError(t, json.Unmarshal(track.Payload, &tracked))
	assert.Equal(t, "alice", tracked.UserID)
	assert.True(t, tracked.Typing)

	sc.send(t, actionPresence, presenceJoin, "room:1", PresencePayload{
		Event:  presenceJoin,
		UserID: "bob",
		Presence: []pondsync.PresenceRecord{
			{UserID: "bob", LastHeartbeat: epoch},
			{UserID: "alice", LastHeartbeat: epoch, Typing: true},
		},
	})
	w.waitSync(t)
	snapshot := room.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "alice", snapshot[0].UserID)
	assert.Equal(t, "bob", snapshot[1].UserID)

	sc.send(t, actionPresence, presenceUpdate, "room:1", PresencePayload{
		Event:  presenceUpdate,
		UserID: "bob",
		Change: &pondsync.PresenceRecord{LastHeartbeat: epoch.Add(time.Minute), Typing: true},
	})
	w.waitSync(t)
	snapshot = room.Snapshot()
	require.Len(t, snapshot, 2)
	assert.True(t, snapshot[1].Typing)
	assert.True(t, epoch.Add(time.Minute).Equal(snapshot[1].LastHeartbeat))

	sc.send(t, actionPresence, presenceLeave, "room:1", PresencePayload{Event: presenceLeave, UserID: "bob"})
	w.waitSync(t)
	snapshot = room.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "alice", snapshot[0].UserID)

	require.NoError(t, room.Close())
	sc.expect(t, string(leaveChannel))
}

func TestClose(t *testing.T) {
	s := newFakeServer(t)
	c, sc := dial(t, s, Options{})
	w := newWatcher()
	_, err := c.Subscribe("chat:c1", chatFilters, w.onChange, w.onStatus)
	require.NoError(t, err)
	sc.expect(t, string(joinChannel))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case _, ok := <-sc.frames:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("server connection still open")
	}
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, w.statuses)

	_, err = c.Subscribe("chat:c2", chatFilters, w.onChange, w.onStatus)
	assert.ErrorIs(t, err, pondsync.ErrClosed)
}

func TestUserIDFromToken(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u-42"}).SignedString([]byte("any"))
	require.NoError(t, err)

	id, err := UserIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-42", id)

	_, err = UserIDFromToken("not-a-token")
	assert.Error(t, err)
}
