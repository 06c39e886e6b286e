// This file contains the Client, the entry point tying the sync layer together for one signed-in
// user. It owns the timer scheduler, the channel multiplexer, the global fan-out and registries
// of per-conversation reconcilers and per-channel presence trackers.
package pondsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	// UserID is the authenticated user. Required.
	UserID string

	Store    Store
	Stream   ChangeStream
	Presence PresenceBackend

	// Config defaults to DefaultConfig when left zero.
	Config Config
	Clock  Clock
	Logger *zap.Logger
	Hooks  *Hooks

	// Executor runs backend writes issued by reconcilers and presence trackers.
	Executor func(func())
}

type Client struct {
	userID    string
	opts      Options
	config    Config
	log       *zap.Logger
	scheduler *Scheduler
	mux       *Multiplexer
	bus       *EventBus
	fanout    *FanOut

	conversations *store[*Reconciler]
	presence      *store[*PresenceTracker]

	mu     sync.Mutex
	closed bool
}

// NewClient validates opts and builds a client. Nothing connects until a channel is opened.
func NewClient(opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, badRequest("", "user id is required")
	}
	if opts.Store == nil {
		return nil, badRequest("", "a store is required")
	}
	if opts.Stream == nil {
		return nil, badRequest("", "a change stream is required")
	}

	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := loggerOrNop(opts.Logger).With(zap.String("user", opts.UserID))
	scheduler := NewScheduler(opts.Clock)
	mux := NewMultiplexer(MultiplexerOptions{
		Stream:    opts.Stream,
		Scheduler: scheduler,
		Config:    cfg,
		Logger:    log,
		Hooks:     opts.Hooks,
	})
	bus := NewEventBus(log)

	return &Client{
		userID:        opts.UserID,
		opts:          opts,
		config:        cfg,
		log:           log,
		scheduler:     scheduler,
		mux:           mux,
		bus:           bus,
		fanout:        NewFanOut(mux, bus, log, cfg.Debounce),
		conversations: newStore[*Reconciler](),
		presence:      newStore[*PresenceTracker](),
	}, nil
}

// UserID returns the authenticated user.
func (c *Client) UserID() string {
	return c.userID
}

// Config returns the effective timing policy.
func (c *Client) Config() Config {
	return c.config
}

// Events returns the application event bus fed by the global fan-out.
func (c *Client) Events() *EventBus {
	return c.bus
}

// Multiplexer returns the channel multiplexer for ad-hoc subscriptions.
func (c *Client) Multiplexer() *Multiplexer {
	return c.mux
}

// Scheduler returns the client's timer scheduler.
func (c *Client) Scheduler() *Scheduler {
	return c.scheduler
}

// StartFanOut activates the global fan-out for the client's user. The returned function
// releases this caller's reference.
func (c *Client) StartFanOut() (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.fanout.Start(c.userID)
}

// Subscribe opens an ad-hoc channel with the client's default debounce window.
func (c *Client) Subscribe(channel string, subs ...Subscription) (*ChannelHandle, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.mux.Open(channel, subs, c.config.Debounce)
}

// Conversation returns the reconciler for conversationID, creating and starting it on first
// use. A failed history load is returned alongside a usable reconciler.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Reconciler, error) {
	if conversationID == "" {
		return nil, badRequest("", "conversation id is required")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	r, created := c.conversations.GetOrCreate(conversationID, func() *Reconciler {
		return NewReconciler(ReconcilerOptions{
			ConversationID: conversationID,
			UserID:         c.userID,
			Store:          c.opts.Store,
			Multiplexer:    c.mux,
			Scheduler:      c.scheduler,
			Config:         c.config,
			Logger:         c.log,
			Hooks:          c.opts.Hooks,
			Executor:       c.opts.Executor,
		})
	})
	if !created {
		return r, nil
	}
	if err := r.Start(ctx); err != nil {
		c.log.Warn("conversation started with errors", zap.String("conversation", conversationID), zap.Error(err))
		return r, err
	}
	return r, nil
}

// CloseConversation tears down the reconciler for conversationID.
func (c *Client) CloseConversation(conversationID string) error {
	r, err := c.conversations.Read(conversationID)
	if err != nil {
		return err
	}
	c.conversations.DeleteIf(conversationID, func(current *Reconciler) bool {
		return current == r
	})
	r.Close()
	return nil
}

// Presence returns the tracker for channel, creating and joining it on first use.
func (c *Client) Presence(channel string) (*PresenceTracker, error) {
	if c.opts.Presence == nil {
		return nil, ErrPresenceUnsupported
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	tracker := NewPresenceTracker(PresenceOptions{
		Channel:   channel,
		UserID:    c.userID,
		Backend:   c.opts.Presence,
		Scheduler: c.scheduler,
		Config:    c.config,
		Logger:    c.log,
		Hooks:     c.opts.Hooks,
		Executor:  c.opts.Executor,
	})
	if err := c.presence.Create(channel, tracker); err != nil {
		return c.presence.Read(channel)
	}
	if err := tracker.Start(); err != nil {
		c.presence.DeleteIf(channel, func(current *PresenceTracker) bool {
			return current == tracker
		})
		return nil, err
	}
	return tracker, nil
}

// LeavePresence closes the tracker for channel.
func (c *Client) LeavePresence(channel string) error {
	tracker, err := c.presence.Read(channel)
	if err != nil {
		return err
	}
	if err := c.presence.Delete(channel); err != nil {
		return err
	}
	return tracker.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down every reconciler, presence tracker and channel, then stops all timers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for _, id := range c.conversations.Keys() {
		if r, err := c.conversations.Read(id); err == nil {
			r.Close()
		}
		_ = c.conversations.Delete(id)
	}

	var errs error
	for _, name := range c.presence.Keys() {
		if tracker, err := c.presence.Read(name); err == nil {
			errs = addError(errs, tracker.Close())
		}
		_ = c.presence.Delete(name)
	}

	errs = addError(errs, c.mux.Close())
	c.scheduler.Close()
	c.log.Info("client closed", zap.Int("channels", len(c.mux.Channels())))
	return errs
}
