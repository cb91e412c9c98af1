package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/events"
	"beacon-registry/internal/model"
	"beacon-registry/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Job is one unit of fan-out work: an optional event to publish and an
// optional push message for a set of users.
type Job struct {
	EventKey      string
	Event         any
	NotifyUserIDs []string
	Message       string
}

// WorkerPool manages a pool of workers for publishing events and sending
// push notifications.
type WorkerPool struct {
	size      int
	jobs      chan Job
	subs      store.SubscriptionStore
	publisher events.Publisher
	webpush   *webpush.Options
	sender    NotificationSender
}

// NewWorkerPool creates a new worker pool. A nil webpushOptions disables
// push delivery; events are still published.
func NewWorkerPool(size int, subs store.SubscriptionStore, publisher events.Publisher, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if publisher == nil {
		publisher = events.Nop()
	}
	return &WorkerPool{
		size:      size,
		jobs:      make(chan Job, size*4),
		subs:      subs,
		publisher: publisher,
		webpush:   webpushOptions,
		sender:    &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.process(ctx, job)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a job, waiting for room in the queue until ctx is done.
func (wp *WorkerPool) Dispatch(ctx context.Context, job Job) error {
	select {
	case wp.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch %s: %w", job.EventKey, ctx.Err())
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

func (wp *WorkerPool) process(ctx context.Context, job Job) {
	if job.EventKey != "" {
		if err := wp.publisher.PublishJSON(ctx, job.EventKey, job.Event); err != nil {
			log.Printf("Error publishing %s: %v", job.EventKey, err)
		}
	}
	if len(job.NotifyUserIDs) > 0 && job.Message != "" {
		wp.notifyUsers(ctx, job.NotifyUserIDs, []byte(job.Message))
	}
}

// notifyUsers fetches subscriptions and sends the message to each of them.
func (wp *WorkerPool) notifyUsers(ctx context.Context, userIDs []string, payload []byte) {
	if wp.webpush == nil || wp.subs == nil {
		return
	}
	subscriptions, err := wp.subs.SubscriptionsForUsers(ctx, userIDs)
	if err != nil {
		log.Printf("Error fetching subscriptions for %d user(s): %v", len(userIDs), err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	log.Printf("Sending %d notifications to %d user(s)", len(subscriptions), len(userIDs))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}

// MatchMessage is the push text sent to users a new beacon matched with.
func MatchMessage(g catalog.Game, b model.Beacon) string {
	name := b.Username
	if name == "" {
		name = b.UserID
	}
	title := g.Title
	if title == "" {
		title = g.Code
	}
	msg := fmt.Sprintf("%s is looking for %s on %s", name, title, b.Platform)
	if g.Message != "" {
		msg = g.Message + " " + msg
	}
	return msg
}
