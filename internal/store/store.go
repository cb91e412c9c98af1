package store

import (
	"context"
	"errors"
	"time"

	"beacon-registry/internal/model"
)

var (
	// ErrConflict is returned when a write collides with an existing record:
	// the unique id belongs to another user/game, or the user's slot for the
	// game is held by another active beacon.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable wraps backend failures and timeouts.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("store: not found")
)

// Store defines the beacon persistence operations. Both query paths only
// return records whose EndTime is strictly after now, ordered by EndTime
// ascending then UniqueID.
type Store interface {
	Put(ctx context.Context, b model.Beacon) error
	PutExclusive(ctx context.Context, b model.Beacon, now time.Time) error
	Delete(ctx context.Context, uniqueID string) error
	QueryActiveByGame(ctx context.Context, game string, now time.Time) ([]model.Beacon, error)
	QueryActiveByUser(ctx context.Context, userID string, now time.Time) ([]model.Beacon, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SubscriptionStore persists web push subscriptions for match notifications.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForUsers(ctx context.Context, userIDs []string) ([]model.PushSubscription, error)
}

// sameOwner reports whether two records may share a unique id: a retried
// write for the same user and game overwrites, anything else conflicts.
func sameOwner(a, b model.Beacon) bool {
	return a.UserID == b.UserID && a.Game == b.Game
}
