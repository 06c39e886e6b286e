// This file contains the Reconciler, which keeps one conversation's transcript in step with the
// server while letting the sender see their messages immediately. Sends are appended as
// optimistic entries under a local id and later replaced in place by the confirmed server row,
// whichever of the write acknowledgement or the change-stream echo arrives first.
package pondsync

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const previewLength = 100

// ChatChannelName returns the channel name carrying a conversation's message changes.
func ChatChannelName(conversationID string) string {
	return "chat:" + conversationID
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	ConversationID string
	UserID         string
	Store          Store
	Multiplexer    *Multiplexer
	Scheduler      *Scheduler
	Config         Config
	Logger         *zap.Logger
	Hooks          *Hooks

	// Executor runs backend writes. The default starts a goroutine per write.
	Executor func(func())
}

// ChatSnapshot is what observers of a conversation receive.
type ChatSnapshot struct {
	Messages []ChatMessage
	Status   ConnectionStatus
}

type Reconciler struct {
	conversationID string
	userID         string
	store          Store
	mux            *Multiplexer
	scheduler      *Scheduler
	config         Config
	log            *zap.Logger
	hooks          *Hooks
	exec           func(func())
	timerPrefix    string

	mu        sync.Mutex
	t         *transcript
	attempts  map[string]int
	handle    *ChannelHandle
	closed    bool
	observers map[int]func(ChatSnapshot)
	nextObs   int
}

// NewReconciler creates the reconciler for one conversation. Call Start to load history and
// subscribe to changes.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
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
	return &Reconciler{
		conversationID: opts.ConversationID,
		userID:         opts.UserID,
		store:          opts.Store,
		mux:            opts.Multiplexer,
		scheduler:      scheduler,
		config:         cfg,
		log: loggerOrNop(opts.Logger).Named("chat").With(
			zap.String("conversation", opts.ConversationID),
		),
		hooks:       opts.Hooks,
		exec:        exec,
		timerPrefix: "chat#" + uuid.NewString() + "/",
		t:           newTranscript(),
		attempts:    make(map[string]int),
		observers:   make(map[int]func(ChatSnapshot)),
	}
}

// Start subscribes to the conversation's message changes and loads its history. The
// subscription stays open when the history load fails; the error is returned so the caller can
// surface it.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.conversationID == "" || r.userID == "" {
		return badRequest("", "conversation id and user id are required")
	}
	if r.store == nil {
		return badRequest(ChatChannelName(r.conversationID), "reconciler requires a store")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	started := r.handle != nil
	r.mu.Unlock()

	if !started && r.mux != nil {
		if err := r.subscribe(); err != nil {
			return err
		}
	}

	rows, err := r.store.Query(ctx, CollectionMessages, Eq("conversation_id", r.conversationID))
	if err != nil {
		r.log.Warn("failed to load message history", zap.Error(err))
		return wrap(err, "failed to load message history")
	}
	history := make([]ChatMessage, 0, len(rows))
	for _, row := range rows {
		history = append(history, decodeMessage(row))
	}
	r.Backfill(history)
	return nil
}

func (r *Reconciler) subscribe() error {
	filter := Eq("conversation_id", r.conversationID)
	handle, err := r.mux.Open(ChatChannelName(r.conversationID), []Subscription{
		{Collection: CollectionMessages, Event: EventInsert, Filter: filter, Callback: r.onInsert},
		{Collection: CollectionMessages, Event: EventUpdate, Filter: filter, Callback: r.onUpdate},
		{Collection: CollectionMessages, Event: EventDelete, Filter: filter, Callback: r.onDelete},
	}, 0)
	if err != nil {
		return wrap(err, "failed to open conversation channel")
	}
	handle.OnConnectionChange(func(bool) {
		r.notify()
	})

	r.mu.Lock()
	if r.closed || r.handle != nil {
		r.mu.Unlock()
		handle.Dispose()
		return nil
	}
	r.handle = handle
	r.mu.Unlock()
	return nil
}

// Send appends an optimistic message and writes it in the background. It returns the local id
// and false when body is blank or the same body was submitted within the duplicate window.
func (r *Reconciler) Send(body string) (string, bool) {
	if strings.TrimSpace(body) == "" {
		return "", false
	}
	now := r.scheduler.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", false
	}
	if r.t.isDuplicateSubmission(body, r.userID, now, r.config.DuplicateWindow) {
		r.mu.Unlock()
		r.log.Debug("dropping duplicate submission")
		return "", false
	}
	localID := uuid.NewString()
	r.t.messages = append(r.t.messages, ChatMessage{
		ID:             localID,
		ConversationID: r.conversationID,
		SenderID:       r.userID,
		Body:           body,
		CreatedAt:      now,
		Status:         StatusSending,
		LocalID:        localID,
	})
	r.t.sort()
	r.attempts[localID] = 0
	r.mu.Unlock()

	r.notify()
	r.write(localID)
	return localID, true
}

// Retry resends a failed message as a new submission. The failed entry is removed.
func (r *Reconciler) Retry(localID string) (string, bool) {
	r.mu.Lock()
	i := r.t.indexByLocalID(localID)
	if r.closed || i < 0 || r.t.messages[i].Status != StatusFailed {
		r.mu.Unlock()
		return "", false
	}
	failed := r.t.remove(i)
	delete(r.attempts, localID)
	r.mu.Unlock()

	r.log.Debug("retrying failed message", zap.String("local_id", localID))
	return r.Send(failed.Body)
}

func (r *Reconciler) retryKey(localID string) string {
	return r.timerPrefix + "retry/" + localID
}

// write runs one insert attempt for the optimistic entry localID, if it is still sending.
func (r *Reconciler) write(localID string) {
	r.mu.Lock()
	i := r.t.indexByLocalID(localID)
	if r.closed || i < 0 || r.t.messages[i].Status != StatusSending {
		r.mu.Unlock()
		return
	}
	msg := r.t.messages[i]
	r.attempts[localID]++
	attempt := r.attempts[localID]
	r.mu.Unlock()

	msg.ID = ""
	payload := msg.Row()

	r.exec(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.SendTimeout)
		row, err := r.store.Insert(ctx, CollectionMessages, payload)
		cancel()
		if err != nil {
			r.writeFailed(localID, attempt, err)
			return
		}
		r.writeSucceeded(localID, row)
	})
}

func (r *Reconciler) writeFailed(localID string, attempt int, cause error) {
	r.mu.Lock()
	i := r.t.indexByLocalID(localID)
	if r.closed || i < 0 || r.t.messages[i].Status != StatusSending {
		r.mu.Unlock()
		return
	}
	if attempt <= r.config.SendRetries {
		r.mu.Unlock()
		r.log.Info("message write failed, retrying",
			zap.String("local_id", localID),
			zap.Int("attempt", attempt),
			zap.Error(cause),
		)
		r.scheduler.Schedule(r.retryKey(localID), r.config.SendRetryDelay, func() {
			r.write(localID)
		})
		return
	}
	r.t.messages[i].Status = StatusFailed
	delete(r.attempts, localID)
	r.mu.Unlock()

	r.log.Warn("message failed after retries", zap.String("local_id", localID), zap.Error(cause))
	r.hooks.metrics().MessageFailed(r.conversationID)
	r.notify()
}

// writeSucceeded applies the write acknowledgement. The entry is replaced only while it is still
// sending; otherwise the acknowledged row is added unless it is already present or was seen.
func (r *Reconciler) writeSucceeded(localID string, row Row) {
	server := decodeMessage(row)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.attempts, localID)
	changed := false
	if i := r.t.indexByLocalID(localID); i >= 0 && r.t.messages[i].Status == StatusSending {
		local := r.t.messages[i]
		if server.ID == "" {
			server.ID = local.ID
		}
		if server.CreatedAt.IsZero() {
			server.CreatedAt = local.CreatedAt
		}
		if server.Body == "" {
			server.Body = local.Body
		}
		if server.SenderID == "" {
			server.SenderID = local.SenderID
		}
		if server.ConversationID == "" {
			server.ConversationID = local.ConversationID
		}
		server.LocalID = localID
		server.Status = StatusSent

		if dup := r.t.indexByID(server.ID); dup >= 0 && dup != i {
			// The echo was applied as a separate entry before the ack matched it.
			r.t.remove(i)
		} else {
			r.t.messages[i] = server
		}
		r.t.processed[server.ID] = struct{}{}
		r.t.sort()
		changed = true
	} else if server.ID != "" && r.t.indexByID(server.ID) < 0 {
		// An echo of an identical send claimed this entry; the acknowledged row still belongs
		// in the transcript.
		if server.ConversationID == "" {
			server.ConversationID = r.conversationID
		}
		if server.CreatedAt.IsZero() {
			server.CreatedAt = r.scheduler.Now()
		}
		changed = r.t.appendConfirmed(server)
	}
	r.mu.Unlock()

	r.scheduler.Cancel(r.retryKey(localID))
	if changed {
		r.notify()
	}
	if server.Body != "" {
		r.updatePreview(server)
	}
}

func (r *Reconciler) updatePreview(msg ChatMessage) {
	preview := msg.Body
	if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength])
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = r.scheduler.Now()
	}
	patch := Row{
		"last_message_preview": preview,
		"last_message_at":      at.UTC().Format(time.RFC3339Nano),
	}
	r.exec(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.SendTimeout)
		defer cancel()
		if _, err := r.store.Update(ctx, CollectionConversations, Eq("id", r.conversationID), patch); err != nil {
			r.log.Warn("failed to update conversation preview", zap.Error(err))
		}
	})
}

func (r *Reconciler) onInsert(event ChangeEvent) {
	msg := decodeMessage(event.New)
	if msg.ID == "" {
		r.log.Warn("dropping message event without id")
		return
	}
	if msg.ConversationID != "" && msg.ConversationID != r.conversationID {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = event.CommitTime
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed, localID := r.t.applyServer(msg, r.config.MatchWindow, false)
	if localID != "" {
		delete(r.attempts, localID)
	}
	r.mu.Unlock()

	if localID != "" {
		r.scheduler.Cancel(r.retryKey(localID))
		r.hooks.metrics().MessageReconciled(r.conversationID)
		r.log.Debug("optimistic message reconciled", zap.String("local_id", localID), zap.String("id", msg.ID))
	}
	if changed {
		r.notify()
	}
}

func (r *Reconciler) onUpdate(event ChangeEvent) {
	msg := decodeMessage(event.New)
	if msg.ID == "" {
		return
	}

	r.mu.Lock()
	i := r.t.indexByID(msg.ID)
	if r.closed || i < 0 {
		r.mu.Unlock()
		return
	}
	current := r.t.messages[i]
	msg.LocalID = current.LocalID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = current.CreatedAt
	}
	r.t.messages[i] = msg
	r.t.sort()
	r.mu.Unlock()

	r.notify()
}

func (r *Reconciler) onDelete(event ChangeEvent) {
	id := event.Old.String("id")
	if id == "" {
		return
	}

	r.mu.Lock()
	i := r.t.indexByID(id)
	if r.closed || i < 0 {
		r.mu.Unlock()
		return
	}
	r.t.remove(i)
	r.mu.Unlock()

	r.notify()
}

// Backfill merges previously persisted messages into the transcript. Messages already present
// are refreshed in place and pending sends they confirm are reconciled.
func (r *Reconciler) Backfill(history []ChatMessage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed := false
	var reconciled []string
	for _, msg := range history {
		if msg.ID == "" {
			continue
		}
		c, localID := r.t.applyServer(msg, r.config.MatchWindow, true)
		changed = changed || c
		if localID != "" {
			delete(r.attempts, localID)
			reconciled = append(reconciled, localID)
		}
	}
	r.mu.Unlock()

	for _, localID := range reconciled {
		r.scheduler.Cancel(r.retryKey(localID))
		r.hooks.metrics().MessageReconciled(r.conversationID)
	}
	if changed {
		r.notify()
	}
}

// MarkRead marks every message from other participants as read and clears this user's unread
// counter on the conversation.
func (r *Reconciler) MarkRead(ctx context.Context) error {
	unread := Eq("conversation_id", r.conversationID).Neq("sender_id", r.userID).Eq("is_read", "false")
	_, msgErr := r.store.Update(ctx, CollectionMessages, unread, Row{"is_read": true})

	r.mu.Lock()
	changed := false
	for i := range r.t.messages {
		m := &r.t.messages[i]
		if m.SenderID != r.userID && !m.IsRead {
			m.IsRead = true
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}

	var counterErr error
	rows, err := r.store.Query(ctx, CollectionConversations, Eq("id", r.conversationID))
	switch {
	case err != nil:
		counterErr = err
	case len(rows) == 0:
		counterErr = notFound(ChatChannelName(r.conversationID), "conversation not found")
	default:
		counts := rows[0].IntMap("unread_counts")
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[r.userID] = 0
		_, counterErr = r.store.Update(ctx, CollectionConversations, Eq("id", r.conversationID), Row{"unread_counts": counts})
	}

	if err := combine(msgErr, counterErr); err != nil {
		return wrap(err, "failed to mark conversation read")
	}
	return nil
}

// Messages returns a copy of the transcript in created-at order.
func (r *Reconciler) Messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.t.snapshot()
}

// ConnectionStatus reports the conversation channel's state.
func (r *Reconciler) ConnectionStatus() ConnectionStatus {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return Disconnected
	}
	return statusFromState(handle.State())
}

// Snapshot returns the current transcript and connection status.
func (r *Reconciler) Snapshot() ChatSnapshot {
	return ChatSnapshot{Messages: r.Messages(), Status: r.ConnectionStatus()}
}

// Subscribe registers fn for transcript and status changes and returns a function removing it.
func (r *Reconciler) Subscribe(fn func(ChatSnapshot)) func() {
	r.mu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	if r.closed || len(r.observers) == 0 {
		r.mu.Unlock()
		return
	}
	fns := make([]func(ChatSnapshot), 0, len(r.observers))
	for id := 1; id <= r.nextObs; id++ {
		if fn, ok := r.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	snap := r.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close cancels pending retries and releases the conversation channel.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handle := r.handle
	r.handle = nil
	r.observers = make(map[int]func(ChatSnapshot))
	r.mu.Unlock()

	r.scheduler.CancelPrefix(r.timerPrefix)
	if handle != nil {
		handle.Dispose()
	}
}
