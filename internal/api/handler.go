package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/model"
	"beacon-registry/internal/notification"
	"beacon-registry/internal/registry"
	"beacon-registry/internal/store"
)

// BeaconService is the registry surface the handlers call.
type BeaconService interface {
	Create(ctx context.Context, req registry.CreateRequest) (registry.CreateResult, error)
	Stop(ctx context.Context, userID, game string) (int, error)
	ListByGame(ctx context.Context, game string) ([]model.Beacon, error)
	ListByUser(ctx context.Context, userID string) ([]model.Beacon, error)
	ListAll(ctx context.Context) (map[string][]model.Beacon, error)
}

// Dispatcher queues fan-out work after a request has been answered.
type Dispatcher interface {
	Dispatch(ctx context.Context, job notification.Job) error
}

// Deps are the collaborators a Handler needs. Dispatcher, Clock and
// Webpush are optional.
type Deps struct {
	Beacons       BeaconService
	Catalog       *catalog.Catalog
	Subscriptions store.SubscriptionStore
	Dispatcher    Dispatcher
	Clock         clock.Clock
	Webpush       *webpush.Options
	// DefaultWait is used when a create request names no duration.
	DefaultWait time.Duration
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	beacons     BeaconService
	catalog     *catalog.Catalog
	subs        store.SubscriptionStore
	dispatcher  Dispatcher
	clock       clock.Clock
	webpush     *webpush.Options
	defaultWait time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	wait := d.DefaultWait
	if wait <= 0 {
		wait = registry.DefaultOptions().MinDuration
	}
	return &Handler{
		beacons:     d.Beacons,
		catalog:     d.Catalog,
		subs:        d.Subscriptions,
		dispatcher:  d.Dispatcher,
		clock:       clk,
		webpush:     d.Webpush,
		defaultWait: wait,
	}
}
