package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chat-proxy/internal/audit"
	"github.com/suPer8Hu/chat-proxy/internal/config"
	"github.com/suPer8Hu/chat-proxy/internal/db"
	"github.com/suPer8Hu/chat-proxy/internal/logger"
	"github.com/suPer8Hu/chat-proxy/internal/store/rabbitmq"
)

const maxAttempts = 3

type retrier interface {
	Retry(ctx context.Context, body []byte, attempt int) error
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.DBDSN == "" {
		log.Fatal("invalid configuration", "error", config.ErrMissingDSN)
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the audit worker")
	}

	gdb, err := db.Connect(cfg.DBDSN, log, db.Options{MaxOpenConns: cfg.WorkerConcurrency * 2})
	if err != nil {
		log.Fatal("database connect failed", "error", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("database migration failed", "error", err)
	}
	sink := audit.NewDBSink(gdb)

	// the publisher declares the queue topology and re-queues failed batches
	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", "error", err)
	}
	defer publisher.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", "error", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", "error", err)
	}
	defer ch.Close()

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", "error", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("audit worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				handleDelivery(ctx, wlog, sink, publisher, d)
			}
		}(i)
	}

	// dispatcher
	dispatch(ctx, log, msgs, jobs)
	log.Info("worker shutting down")
	close(jobs)
	wg.Wait()
}

// dispatch feeds deliveries to the pool until ctx is done or the broker
// closes the delivery channel. A full pool never blocks shutdown; an
// undispatched delivery stays unacked and is redelivered by the broker.
func dispatch(ctx context.Context, log *logger.Logger, msgs <-chan amqp.Delivery, jobs chan<- amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleDelivery writes one audit batch. Malformed batches go straight to the
// DLQ; write failures are retried through the retry queue up to maxAttempts.
func handleDelivery(ctx context.Context, log *logger.Logger, sink audit.Sink, retry retrier, d amqp.Delivery) {
	batch, err := rabbitmq.DecodeAuditBatch(d.Body)
	if err != nil {
		log.Warn("bad audit message", "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := sink.Write(wctx, batch.Entries); err != nil {
		attempt := rabbitmq.Attempt(d) + 1
		log.Error("audit write failed",
			"attempt", attempt,
			"entries", len(batch.Entries),
			"cost", time.Since(start),
			"error", err,
		)
		if attempt < maxAttempts {
			if rerr := retry.Retry(wctx, d.Body, attempt); rerr == nil {
				_ = d.Ack(false)
				return
			}
		}
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", "error", err)
	}
	if cost := time.Since(start); cost > 2*time.Second {
		log.Warn("slow audit write", "entries", len(batch.Entries), "cost", cost)
	}
}
