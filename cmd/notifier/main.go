package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"attendance/internal/config"
	"attendance/internal/metrics"
	"attendance/internal/notify"
	"attendance/internal/queue"
	"attendance/internal/store"
)

// Notifier consumes committed attendance events from the queue and sends
// parent notifications. Delivery failures only affect this worker; the
// attendance records are already durable.
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

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// In-memory mode the API dispatches in-process; this worker is
		// only useful against the Redis backend.
		log.Println("QUEUE_BACKEND=memory: nothing to consume, exiting")
		return
	}
	q = queue.NewRedisQueue(redisClient.Client, "attendance:notifications")

	sms := notify.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.SMSSkip)
	if !cfg.SMSSkip {
		if err := sms.Health(ctx); err != nil {
			log.Printf("WARNING: SMS gateway not available: %v", err)
			log.Println("notifier will retry per message")
		} else {
			log.Println("SMS gateway connected")
		}
	}

	var email notify.EmailSender
	if s := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom); s != nil {
		email = s
	}
	dispatcher := notify.NewDispatcher(email, sms, cfg.NotifyTimeout)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("notifier started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeNotify {
			continue
		}

		var payload notify.Payload
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			log.Printf("bad notification payload: %v", err)
			continue
		}

		out := dispatcher.Dispatch(ctx, payload)
		metrics.ObserveNotification("email", out.EmailSent)
		metrics.ObserveNotification("sms", out.SMSSent)
		log.Printf("notified for %s (%s): email=%v sms=%v %v",
			payload.Student.FullName(), payload.Action, out.EmailSent, out.SMSSent, out.Messages)
	}

	log.Println("notifier stopped")
}
