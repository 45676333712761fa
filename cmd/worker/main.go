package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"classattend/internal/config"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes marked-attendance messages and writes audit documents.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var docs store.Store
	if cfg.StoreBackend == "memory" {
		docs = store.NewMemory()
		log.Println("using in-memory document store (audit trail will not persist)")
	} else {
		pg, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pg.Close()
		docs = pg
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classattend:marks")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeAttendanceMarked {
			continue
		}

		var mark queue.AttendanceMarked
		if err := json.Unmarshal(msg.Body, &mark); err != nil {
			log.Printf("bad message body: %v", err)
			continue
		}

		entry := model.AuditEntry{
			ID:         uuid.NewString(),
			ClassID:    mark.ClassID,
			StudentID:  mark.StudentID,
			TeacherID:  mark.TeacherID,
			Date:       mark.Date,
			RecordedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := docs.Set(ctx, store.Audit, entry.ID, entry); err != nil {
			log.Printf("audit write failed for %s/%s: %v", mark.ClassID, mark.StudentID, err)
			continue
		}
		log.Printf("audited attendance: class=%s student=%s teacher=%s date=%s",
			mark.ClassID, mark.StudentID, mark.TeacherID, mark.Date)
	}

	log.Println("worker stopped")
}
