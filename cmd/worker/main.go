package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/config"
	"rollcall/internal/emitter"
	"rollcall/internal/linktoken"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker fans post-commit ledger events out to the per-session live
// channels and periodically marks stale link tokens inactive. The sweep
// is bookkeeping only; token validity is recomputed on every use.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:events")
	}

	var tokenStore linktoken.Store
	if cfg.StoreBackend == "memory" {
		tokenStore = linktoken.NewMemoryStore()
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		tokenStore = linktoken.NewPostgresStore(db.Client)
	}
	tokens := linktoken.NewService(tokenStore, nil, cfg.LinkTokenBytes, cfg.AssistantManagesLinks)

	go sweepLoop(ctx, tokens, cfg.SweepInterval)

	live := emitter.NewRedisEmitter(redisClient.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for events...")
	for msg := range messages {
		var event emitter.Event
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			log.Printf("skip malformed event: %v", err)
			continue
		}
		if event.SessionID == "" {
			continue
		}
		if err := live.Publish(ctx, event); err != nil {
			// At-most-once best effort; drop and move on.
			log.Printf("broadcast %s for session %s failed: %v", event.Type, event.SessionID, err)
		}
	}

	log.Println("worker stopped")
}

func sweepLoop(ctx context.Context, tokens *linktoken.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			swept, err := tokens.SweepExpired(ctx)
			if err != nil {
				log.Printf("token sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("marked %d expired link tokens inactive", swept)
			}
		case <-ctx.Done():
			return
		}
	}
}
