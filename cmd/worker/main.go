package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/stats"
	"qrattend/internal/store"
)

// Worker consumes attendance messages and refreshes cached course
// standings.
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

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:attendance")
	}

	repo := attendance.NewRepository(db.Client)
	calc := stats.NewCalculator(repo, redisClient.Client, cfg.StatsCacheTTL)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "attendance" {
			continue
		}

		id, err := strconv.Atoi(string(msg.Body))
		if err != nil {
			log.Printf("bad message body %q: %v", msg.Body, err)
			continue
		}

		st, err := calc.RecomputeForRecord(ctx, id)
		if err != nil {
			log.Printf("recompute for record %d failed: %v", id, err)
			continue
		}
		log.Printf("record %d: student %d at %.1f%% for course %d (meets minimum: %v)",
			id, st.StudentID, st.Percentage, st.CourseID, st.MeetsMinimum)

		time.Sleep(10 * time.Millisecond) // Small delay between processing
	}

	log.Println("worker stopped")
}
