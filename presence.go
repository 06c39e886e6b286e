package pondsync

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	Channel   string
	UserID    string
	Backend   PresenceBackend
	Scheduler *Scheduler
	Config    Config
	Logger    *zap.Logger
	Hooks     *Hooks

	// Executor runs Track calls. The default starts a goroutine per call.
	Executor func(func())
}

// PresenceSnapshot is the derived view of a presence channel. Both lists exclude the local
// user and are sorted.
type PresenceSnapshot struct {
	Online []string
	Typing []string
}

// PresenceTracker publishes this client's heartbeat and typing flag on a shared presence
// channel and derives who else is online or typing.
type PresenceTracker struct {
	channelName string
	userID      string
	backend     PresenceBackend
	scheduler   *Scheduler
	config      Config
	log         *zap.Logger
	hooks       *Hooks
	exec        func(func())
	timerPrefix string

	mu         sync.Mutex
	channel    PresenceChannel
	subscribed bool
	typing     bool
	closed     bool
	// deferred is set when the channel reported SUBSCRIBED before JoinPresence returned.
	deferred  bool
	view      PresenceSnapshot
	observers map[int]func(PresenceSnapshot)
	nextObs   int
}

// NewPresenceTracker creates a tracker. Call Start to join the channel.
func NewPresenceTracker(opts PresenceOptions) *PresenceTracker {
	cfg := opts.Config
	if cfg.MaxReconnectAttempts == 0 {
		cfg = DefaultConfig()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = NewScheduler(nil)
	}
	exec := opts.Executor
	if exec == nil {
		exec = func(fn func()) { go fn() }
	}
	return &PresenceTracker{
		channelName: opts.Channel,
		userID:      opts.UserID,
		backend:     opts.Backend,
		scheduler:   scheduler,
		config:      cfg,
		log:         loggerOrNop(opts.Logger).Named("presence").With(zap.String("channel", opts.Channel)),
		hooks:       opts.Hooks,
		exec:        exec,
		timerPrefix: "presence#" + uuid.NewString() + "/",
		observers:   make(map[int]func(PresenceSnapshot)),
	}
}

func (p *PresenceTracker) key(name string) string {
	return p.timerPrefix + name
}

// Start joins the presence channel. The first heartbeat is published once the channel reports
// SUBSCRIBED.
func (p *PresenceTracker) Start() error {
	if p.channelName == "" || p.userID == "" {
		return badRequest(p.channelName, "presence requires a channel and a user id")
	}
	if p.backend == nil {
		return ErrPresenceUnsupported
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.channel != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	channel, err := p.backend.JoinPresence(p.channelName, p.onSync, p.onStatus)
	if err != nil {
		return wrapF(err, "failed to join presence channel %s", p.channelName)
	}

	p.mu.Lock()
	if p.closed || p.channel != nil {
		p.mu.Unlock()
		return channel.Close()
	}
	p.channel = channel
	deferred := p.deferred
	p.deferred = false
	p.mu.Unlock()

	if deferred {
		p.publish()
	}
	return nil
}

func (p *PresenceTracker) onStatus(state ConnectionState, cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	wasSubscribed := p.subscribed
	p.subscribed = state == StateSubscribed
	p.mu.Unlock()

	p.hooks.stateChanged(p.channelName, state)

	switch {
	case state == StateSubscribed && !wasSubscribed:
		p.log.Debug("presence channel subscribed")
		p.publish()
		p.scheduler.Every(p.key("heartbeat"), p.config.HeartbeatInterval, p.publish)
	case state != StateSubscribed && wasSubscribed:
		p.scheduler.Cancel(p.key("heartbeat"))
		if cause != nil {
			p.log.Warn("presence channel lost", zap.String("state", string(state)), zap.Error(cause))
		}
	}
}

func (p *PresenceTracker) onSync() {
	if p.config.SyncDebounce <= 0 {
		p.recompute()
		return
	}
	p.scheduler.Schedule(p.key("sync"), p.config.SyncDebounce, p.recompute)
}

// recompute derives the online and typing sets from the channel snapshot.
func (p *PresenceTracker) recompute() {
	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()
	if channel == nil {
		return
	}

	records := channel.Snapshot()
	now := p.scheduler.Now()
	online := make(map[string]bool)
	typing := make(map[string]bool)
	for _, rec := range records {
		if rec.UserID == "" || rec.UserID == p.userID {
			continue
		}
		if now.Sub(rec.LastHeartbeat) <= p.config.StalenessWindow {
			online[rec.UserID] = true
		}
		if rec.Typing {
			typing[rec.UserID] = true
		}
	}
	view := PresenceSnapshot{Online: sortedKeys(online), Typing: sortedKeys(typing)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	changed := !equalStrings(p.view.Online, view.Online) || !equalStrings(p.view.Typing, view.Typing)
	p.view = view
	fns := p.observerSnapshot()
	p.mu.Unlock()

	p.hooks.metrics().PresenceSynced(p.channelName, len(view.Online))
	if !changed {
		return
	}
	for _, fn := range fns {
		fn(view)
	}
}

func (p *PresenceTracker) publish() {
	p.mu.Lock()
	channel := p.channel
	if p.closed || !p.subscribed {
		p.mu.Unlock()
		return
	}
	if channel == nil {
		p.deferred = true
		p.mu.Unlock()
		return
	}
	record := PresenceRecord{
		UserID:        p.userID,
		LastHeartbeat: p.scheduler.Now(),
		Typing:        p.typing,
	}
	p.mu.Unlock()

	p.exec(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.SendTimeout)
		defer cancel()
		if err := channel.Track(ctx, record); err != nil {
			p.log.Warn("failed to publish presence", zap.Error(err))
		}
	})
}

// SendTypingIndicator sets the local typing flag. Setting it restarts the auto-expiry timer;
// the record is republished only when the flag actually changes.
func (p *PresenceTracker) SendTypingIndicator(typing bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// Armed under the lock so Close cannot miss the timer.
	if typing {
		p.scheduler.Schedule(p.key("typing"), p.config.TypingExpiry, func() {
			p.SendTypingIndicator(false)
		})
	} else {
		p.scheduler.Cancel(p.key("typing"))
	}
	if p.typing == typing {
		p.mu.Unlock()
		return
	}
	p.typing = typing
	p.mu.Unlock()

	p.publish()
}

// IsTyping reports the local typing flag.
func (p *PresenceTracker) IsTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// OnlineUsers returns the other users with a fresh heartbeat as of the last sync.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.view.Online...)
}

// TypingUsers returns the other users currently flagged as typing.
func (p *PresenceTracker) TypingUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.view.Typing...)
}

// IsSubscribed reports whether the presence channel is live.
func (p *PresenceTracker) IsSubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

// Subscribe registers fn for changes of the derived sets and returns a function removing it.
func (p *PresenceTracker) Subscribe(fn func(PresenceSnapshot)) func() {
	p.mu.Lock()
	p.nextObs++
	id := p.nextObs
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

func (p *PresenceTracker) observerSnapshot() []func(PresenceSnapshot) {
	fns := make([]func(PresenceSnapshot), 0, len(p.observers))
	for id := 1; id <= p.nextObs; id++ {
		if fn, ok := p.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// Close stops the heartbeat, the typing timer and the sync debounce, and leaves the channel.
func (p *PresenceTracker) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.subscribed = false
	channel := p.channel
	p.channel = nil
	p.observers = make(map[int]func(PresenceSnapshot))
	p.mu.Unlock()

	p.scheduler.CancelPrefix(p.timerPrefix)
	if channel == nil {
		return nil
	}
	if err := channel.Close(); err != nil {
		return wrapF(err, "failed to leave presence channel %s", p.channelName)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
