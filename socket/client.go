// Package socket provides a pondsync backend speaking the pondsocket websocket protocol. Each
// multiplexer channel maps onto one pondsocket channel: the subscription set travels in the
// JOIN_CHANNEL payload, the server's ACKNOWLEDGE marks the channel subscribed and change
// events arrive as "change" broadcasts. Presence channels follow the server's PRESENCE events.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrJoinTimeout is reported when the server does not acknowledge a join in time.
var ErrJoinTimeout = errors.New("socket: join timed out")

// ErrNotConnected is returned when no websocket connection is open.
var ErrNotConnected = errors.New("socket: not connected")

// Options configures a Client.
type Options struct {
	// Endpoint is the server URL. http and https are rewritten to ws and wss.
	Endpoint string

	// Token is sent as the "token" query parameter. When set, its subject becomes the client's
	// user id.
	Token string

	// Params are added to the connection query.
	Params map[string]interface{}

	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o *Options) withDefaults() {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client implements pondsync.ChangeStream and pondsync.PresenceBackend over one websocket
// connection. A lost connection fails every joined channel with CHANNEL_ERROR; the next
// Subscribe or JoinPresence dials again, so reconnection is driven by the caller's retry
// policy.
type Client struct {
	address string
	opts    Options
	log     *zap.Logger
	userID  string

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*channel
	closed   bool
}

type channel struct {
	name      string
	requestID string
	filters   []pondsync.ChangeFilter
	onChange  func(int, pondsync.ChangeEvent)
	onStatus  pondsync.StatusHandler
	onSync    func()
	joined    bool
	timer     *time.Timer
	presence  map[string]pondsync.PresenceRecord
}

// Dial connects to the server.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.withDefaults()

	address, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}

	q := address.Query()
	for key, value := range opts.Params {
		q.Add(key, fmt.Sprintf("%v", value))
	}

	var userID string
	if opts.Token != "" {
		q.Set("token", opts.Token)
		if userID, err = UserIDFromToken(opts.Token); err != nil {
			return nil, err
		}
	}
	address.RawQuery = q.Encode()

	c := &Client{
		address:  address.String(),
		opts:     opts,
		log:      opts.Logger.Named("socket"),
		userID:   userID,
		channels: make(map[string]*channel),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// UserID returns the subject of the connection token, if one was given.
func (c *Client) UserID() string {
	return c.userID
}

// IsConnected reports whether the websocket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pondsync.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return pondsync.ErrClosed
		}
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	done := make(chan struct{})
	go c.readMessages(conn, done)
	go c.keepAlive(conn, done)

	c.log.Debug("connected", zap.String("address", c.address))
	return nil
}

func (c *Client) ensureConnected() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Dialer.HandshakeTimeout+c.opts.WriteTimeout)
	defer cancel()
	return c.connect(ctx)
}

func (c *Client) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) readMessages(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		close(done)
		c.handleDisconnect(conn, readErr)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var event ChannelEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.route(event)
	}
}

// handleDisconnect fails every channel of a lost connection.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	lost := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		lost = append(lost, ch)
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	if cause == nil {
		cause = ErrNotConnected
	}
	c.log.Warn("connection lost", zap.Int("channels", len(lost)), zap.Error(cause))
	for _, ch := range lost {
		if ch.timer != nil {
			ch.timer.Stop()
		}
		ch.onStatus(pondsync.StateError, cause)
	}
}

func (c *Client) route(event ChannelEvent) {
	c.mu.Lock()
	ch, ok := c.channels[event.ChannelName]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch event.Action {
	case actionSystem:
		c.handleSystem(ch, event)
	case actionBroadcast:
		if event.Event == EventChange {
			c.handleChange(ch, event)
		}
	case actionPresence:
		c.handlePresence(ch, event)
	}
}

func (c *Client) handleSystem(ch *channel, event ChannelEvent) {
	switch event.Event {
	case eventAcknowledge:
		c.mu.Lock()
		if c.channels[ch.name] != ch || ch.joined {
			c.mu.Unlock()
			return
		}
		ch.joined = true
		if ch.timer != nil {
			ch.timer.Stop()
		}
		c.mu.Unlock()
		ch.onStatus(pondsync.StateSubscribed, nil)

	case eventUnauthorized, eventNotFound, eventInternalError:
		pondErr := &PondError{ChannelName: ch.name, Message: event.Event}
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, pondErr); err != nil {
				c.log.Debug("undecodable error payload", zap.Error(err))
			}
		}
		if !c.remove(ch) {
			return
		}
		ch.onStatus(pondsync.StateError, pondErr)
	}
}

func (c *Client) handleChange(ch *channel, event ChannelEvent) {
	if ch.onChange == nil {
		return
	}
	var payload ChangePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		c.log.Warn("dropping undecodable change", zap.String("channel", ch.name), zap.Error(err))
		return
	}
	change := pondsync.ChangeEvent{
		Collection: payload.Collection,
		Kind:       payload.Kind,
		New:        payload.New,
		Old:        payload.Old,
		CommitTime: payload.CommitTime,
	}
	for i, f := range ch.filters {
		if f.Matches(change) {
			ch.onChange(i, change)
		}
	}
}

func (c *Client) handlePresence(ch *channel, event ChannelEvent) {
	var payload PresencePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		c.log.Warn("dropping undecodable presence", zap.String("channel", ch.name), zap.Error(err))
		return
	}

	c.mu.Lock()
	if ch.presence == nil || len(payload.Presence) > 0 {
		ch.presence = make(map[string]pondsync.PresenceRecord, len(payload.Presence))
		for _, rec := range payload.Presence {
			ch.presence[rec.UserID] = rec
		}
	}
	switch payload.Event {
	case presenceJoin, presenceUpdate:
		if payload.Change != nil {
			rec := *payload.Change
			if rec.UserID == "" {
				rec.UserID = payload.UserID
			}
			ch.presence[rec.UserID] = rec
		}
	case presenceLeave:
		delete(ch.presence, payload.UserID)
	}
	onSync := ch.onSync
	c.mu.Unlock()

	if onSync != nil {
		onSync()
	}
}

func (c *Client) send(message ClientMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// join registers ch and sends JOIN_CHANNEL. The join times out unless acknowledged.
func (c *Client) join(ch *channel, payload JoinPayload) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	c.mu.Lock()
	if existing, ok := c.channels[ch.name]; ok && existing != ch {
		c.mu.Unlock()
		return fmt.Errorf("socket: channel %s is already joined", ch.name)
	}
	c.channels[ch.name] = ch
	ch.timer = time.AfterFunc(c.opts.JoinTimeout, func() {
		c.joinTimedOut(ch)
	})
	c.mu.Unlock()

	err := c.send(ClientMessage{
		Action:      joinChannel,
		Event:       string(joinChannel),
		Payload:     payload,
		ChannelName: ch.name,
		RequestID:   ch.requestID,
	})
	if err != nil {
		c.remove(ch)
		return err
	}
	return nil
}

func (c *Client) joinTimedOut(ch *channel) {
	c.mu.Lock()
	if c.channels[ch.name] != ch || ch.joined {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.leave(ch)
	ch.onStatus(pondsync.StateTimedOut, ErrJoinTimeout)
}

// remove unregisters ch and reports whether it was still registered.
func (c *Client) remove(ch *channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.name] != ch {
		return false
	}
	delete(c.channels, ch.name)
	if ch.timer != nil {
		ch.timer.Stop()
	}
	return true
}

func (c *Client) leave(ch *channel) error {
	if !c.remove(ch) {
		return nil
	}
	err := c.send(ClientMessage{
		Action:      leaveChannel,
		Event:       string(leaveChannel),
		Payload:     map[string]interface{}{},
		ChannelName: ch.name,
		RequestID:   uuid.NewString(),
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Subscribe joins channel with the filters in the join payload.
func (c *Client) Subscribe(name string, filters []pondsync.ChangeFilter, onChange func(int, pondsync.ChangeEvent), onStatus pondsync.StatusHandler) (pondsync.StreamHandle, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("subscribe %s: no filters", name)
	}
	ch := &channel{
		name:      name,
		requestID: uuid.NewString(),
		filters:   append([]pondsync.ChangeFilter(nil), filters...),
		onChange:  onChange,
		onStatus:  onStatus,
	}
	if err := c.join(ch, JoinPayload{Subscriptions: specsFor(filters)}); err != nil {
		return nil, err
	}
	return &streamHandle{client: c, ch: ch}, nil
}

type streamHandle struct {
	client *Client
	ch     *channel
}

func (h *streamHandle) Close() error {
	return h.client.leave(h.ch)
}

// JoinPresence joins a presence channel.
func (c *Client) JoinPresence(name string, onSync func(), onStatus pondsync.StatusHandler) (pondsync.PresenceChannel, error) {
	ch := &channel{
		name:      name,
		requestID: uuid.NewString(),
		onStatus:  onStatus,
		onSync:    onSync,
		presence:  make(map[string]pondsync.PresenceRecord),
	}
	if err := c.join(ch, JoinPayload{Presence: true}); err != nil {
		return nil, err
	}
	return &presenceChannel{client: c, ch: ch}, nil
}

type presenceChannel struct {
	client *Client
	ch     *channel
}

// Track broadcasts this client's record; the server folds it into the channel's presence.
func (p *presenceChannel) Track(ctx context.Context, record pondsync.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.send(ClientMessage{
		Action:      broadcast,
		Event:       EventPresenceTrack,
		Payload:     record,
		ChannelName: p.ch.name,
		RequestID:   uuid.NewString(),
	})
}

func (p *presenceChannel) Snapshot() []pondsync.PresenceRecord {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()

	out := make([]pondsync.PresenceRecord, 0, len(p.ch.presence))
	for _, rec := range p.ch.presence {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *presenceChannel) Close() error {
	return p.client.leave(p.ch)
}

// Close leaves every channel and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	for _, ch := range c.channels {
		if ch.timer != nil {
			ch.timer.Stop()
		}
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}
