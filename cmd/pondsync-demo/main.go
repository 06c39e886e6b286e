// Command pondsync-demo runs one user's sync client against a backend chosen from the
// environment, sends a few chat messages and prints what the client observes.
//
//	PONDSYNC_REDIS_URL         use the Redis backend
//	PONDSYNC_POSTGRES_DSN      use Postgres rows with LISTEN/NOTIFY changes
//	PONDSYNC_POSTGRES_CHANNEL  NOTIFY channel for the Postgres backend, "events" when unset
//	PONDSYNC_SOCKET_URL        take changes and presence from a pondsocket server
//	PONDSYNC_TOKEN             token for the socket server; its subject is the user id
//
// With none of them set, everything runs in memory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eleven-am/pondsync"
	"github.com/eleven-am/pondsync/distributed"
	"github.com/eleven-am/pondsync/memory"
	"github.com/eleven-am/pondsync/pgstream"
	"github.com/eleven-am/pondsync/socket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	conversationID = "demo-conversation"
	presenceRoom   = "demo-room"
)

type backends struct {
	store    pondsync.Store
	stream   pondsync.ChangeStream
	presence pondsync.PresenceBackend
	userID   string
	closers  []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}

func main() {
	cfg, err := pondsync.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger := pondsync.NewLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, logger)
	if err != nil {
		logger.Fatal("failed to open backend", zap.Error(err))
	}
	defer b.close()

	client, err := pondsync.NewClient(pondsync.Options{
		UserID:   b.userID,
		Store:    b.store,
		Stream:   b.stream,
		Presence: b.presence,
		Config:   cfg,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}
	defer client.Close()

	for _, name := range []string{
		pondsync.EventNotificationReceived,
		pondsync.EventChatMessagesUpdated,
		pondsync.EventConversationsUpdated,
	} {
		client.Events().On(name, func(ev pondsync.AppEvent) {
			fmt.Printf("event %s: %s %s %v\n", ev.Name, ev.Kind, ev.Collection, ev.Row)
		})
	}
	stopFanOut, err := client.StartFanOut()
	if err != nil {
		logger.Fatal("failed to start fan-out", zap.Error(err))
	}
	defer stopFanOut()

	if _, err := b.store.Insert(ctx, pondsync.CollectionConversations, pondsync.Row{
		"id":            conversationID,
		"participants":  []string{b.userID},
		"unread_counts": map[string]int{b.userID: 0},
	}); err != nil {
		logger.Warn("failed to create conversation", zap.Error(err))
	}

	chat, err := client.Conversation(ctx, conversationID)
	if err != nil {
		logger.Warn("conversation history unavailable", zap.Error(err))
	}
	if chat != nil {
		unsubscribe := chat.Subscribe(printSnapshot)
		defer unsubscribe()
	}

	if b.presence != nil {
		room, err := client.Presence(presenceRoom)
		if err != nil {
			logger.Warn("presence unavailable", zap.Error(err))
		} else {
			room.SendTypingIndicator(true)
			unsubscribe := room.Subscribe(func(v pondsync.PresenceSnapshot) {
				fmt.Printf("presence: online=%v typing=%v\n", v.Online, v.Typing)
			})
			defer unsubscribe()
		}
	}

	if chat != nil {
		for _, body := range []string{"Hello from pondsync!", "Is anyone around?", "Hello from pondsync!"} {
			if _, ok := chat.Send(body); !ok {
				fmt.Printf("skipped %q\n", body)
			}
		}
	}

	if _, err := b.store.Insert(ctx, pondsync.CollectionNotifications, pondsync.Row{
		"user_id": b.userID,
		"title":   "Welcome to the demo",
	}); err != nil {
		logger.Warn("failed to create notification", zap.Error(err))
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	if chat != nil {
		if err := chat.MarkRead(context.Background()); err != nil {
			logger.Warn("failed to mark conversation read", zap.Error(err))
		}
		printSnapshot(chat.Snapshot())
	}
}

func printSnapshot(s pondsync.ChatSnapshot) {
	lines := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s", m.Status, m.SenderID, m.Body))
	}
	fmt.Printf("transcript (%s, %d messages)\n%s\n", s.Status, len(s.Messages), strings.Join(lines, "\n"))
}

func openBackends(ctx context.Context, logger *zap.Logger) (*backends, error) {
	b := &backends{userID: "demo-user"}

	switch {
	case os.Getenv("PONDSYNC_REDIS_URL") != "":
		opts, err := redis.ParseURL(os.Getenv("PONDSYNC_REDIS_URL"))
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		backend, err := distributed.New(ctx, rdb, distributed.Options{Logger: logger})
		if err != nil {
			rdb.Close()
			return nil, err
		}
		b.store, b.stream, b.presence = backend, backend, backend
		b.closers = append(b.closers, rdb.Close, backend.Close)
		logger.Info("using redis backend")

	case os.Getenv("PONDSYNC_POSTGRES_DSN") != "":
		dsn := os.Getenv("PONDSYNC_POSTGRES_DSN")
		store, err := pgstream.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		tables := []string{
			pondsync.CollectionMessages,
			pondsync.CollectionConversations,
			pondsync.CollectionNotifications,
			pondsync.CollectionProfiles,
			pondsync.CollectionPoints,
			pondsync.CollectionWorkoutActivities,
		}
		channel := os.Getenv("PONDSYNC_POSTGRES_CHANNEL")
		if err := store.EnsureTriggers(ctx, channel, tables...); err != nil {
			store.Close()
			return nil, err
		}
		listener, err := pgstream.NewListener(dsn, pgstream.ListenerOptions{Channel: channel, Store: store, Logger: logger})
		if err != nil {
			store.Close()
			return nil, err
		}
		b.store, b.stream = store, listener
		b.closers = append(b.closers, store.Close, listener.Close)
		logger.Info("using postgres backend")

	default:
		backend := memory.New(memory.Options{})
		b.store, b.stream, b.presence = backend, backend, backend
		logger.Info("using in-memory backend")
	}

	if endpoint := os.Getenv("PONDSYNC_SOCKET_URL"); endpoint != "" {
		conn, err := socket.Dial(ctx, socket.Options{
			Endpoint: endpoint,
			Token:    os.Getenv("PONDSYNC_TOKEN"),
			Logger:   logger,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		if conn.UserID() != "" {
			b.userID = conn.UserID()
		}
		b.stream, b.presence = conn, conn
		b.closers = append(b.closers, conn.Close)
		logger.Info("using socket change stream", zap.String("endpoint", endpoint))
	}

	return b, nil
}
