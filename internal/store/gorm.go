package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"beacon-registry/internal/model"
)

// gormStore implements Store and SubscriptionStore using GORM.
type gormStore struct {
	db *gorm.DB
}

// GormStore is the union of both storage contracts, as returned by NewGormStore.
type GormStore interface {
	Store
	SubscriptionStore
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) GormStore {
	return &gormStore{db: db}
}

// Put inserts the beacon or overwrites a previous write of the same record.
func (s *gormStore) Put(ctx context.Context, b model.Beacon) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkIDOwner(tx, b); err != nil {
			return err
		}
		return tx.Save(&b).Error
	})
	return translate(err, "put beacon %s", b.UniqueID)
}

// PutExclusive claims the (user, game) slot before writing the beacon. The
// upsert only replaces a slot whose holder has expired or is this beacon, so
// a zero row count means another active beacon owns it.
func (s *gormStore) PutExclusive(ctx context.Context, b model.Beacon, now time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkIDOwner(tx, b); err != nil {
			return err
		}

		slot := model.BeaconSlot{UserID: b.UserID, Game: b.Game, BeaconID: b.UniqueID, EndTime: b.EndTime}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "game"}},
			DoUpdates: clause.AssignmentColumns([]string{"beacon_id", "end_time"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "beacon_slots.end_time <= ? OR beacon_slots.beacon_id = ?", Vars: []any{now.Unix(), b.UniqueID}},
			}},
		}).Create(&slot)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s already waiting for %s", ErrConflict, b.UserID, b.Game)
		}

		return tx.Save(&b).Error
	})
	return translate(err, "put exclusive beacon %s", b.UniqueID)
}

// Delete removes a beacon and any slot it holds. Missing ids are not an error.
func (s *gormStore) Delete(ctx context.Context, uniqueID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("unique_id = ?", uniqueID).Delete(&model.Beacon{}).Error; err != nil {
			return err
		}
		return tx.Where("beacon_id = ?", uniqueID).Delete(&model.BeaconSlot{}).Error
	})
	return translate(err, "delete beacon %s", uniqueID)
}

// QueryActiveByGame range-scans the (type_name, end_time) index.
func (s *gormStore) QueryActiveByGame(ctx context.Context, game string, now time.Time) ([]model.Beacon, error) {
	var beacons []model.Beacon
	err := s.db.WithContext(ctx).
		Where("type_name = ? AND game = ? AND end_time > ?", model.TypeNameBeacon, game, now.Unix()).
		Order("end_time ASC").
		Order("unique_id ASC").
		Find(&beacons).Error
	if err != nil {
		return nil, translate(err, "query beacons for game %s", game)
	}
	return beacons, nil
}

// QueryActiveByUser range-scans the (user_id, end_time) index.
func (s *gormStore) QueryActiveByUser(ctx context.Context, userID string, now time.Time) ([]model.Beacon, error) {
	var beacons []model.Beacon
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND end_time > ?", userID, now.Unix()).
		Order("end_time ASC").
		Order("unique_id ASC").
		Find(&beacons).Error
	if err != nil {
		return nil, translate(err, "query beacons for user %s", userID)
	}
	return beacons, nil
}

// DeleteExpired removes beacons and slots that ended at or before the cutoff.
func (s *gormStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("end_time <= ?", before.Unix()).Delete(&model.Beacon{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Where("end_time <= ?", before.Unix()).Delete(&model.BeaconSlot{}).Error
	})
	if err != nil {
		return 0, translate(err, "delete expired beacons")
	}
	return removed, nil
}

// UpsertSubscription creates or replaces a push subscription.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth"}),
	}).Create(&sub).Error
	return translate(err, "upsert subscription")
}

// GetSubscription looks up a subscription by endpoint.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PushSubscription{}, ErrNotFound
	}
	if err != nil {
		return model.PushSubscription{}, translate(err, "get subscription")
	}
	return sub, nil
}

// DeleteSubscription removes a subscription. Missing endpoints are not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	return translate(err, "delete subscription")
}

// SubscriptionsForUsers returns every subscription owned by the given users.
func (s *gormStore) SubscriptionsForUsers(ctx context.Context, userIDs []string) ([]model.PushSubscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&subs).Error; err != nil {
		return nil, translate(err, "fetch subscriptions")
	}
	return subs, nil
}

// checkIDOwner fails with ErrConflict when the id is already used by a
// different user or game.
func checkIDOwner(tx *gorm.DB, b model.Beacon) error {
	var existing []model.Beacon
	if err := tx.Where("unique_id = ?", b.UniqueID).Limit(1).Find(&existing).Error; err != nil {
		return err
	}
	if len(existing) > 0 && !sameOwner(existing[0], b) {
		return fmt.Errorf("%w: id %s already in use", ErrConflict, b.UniqueID)
	}
	return nil
}

// translate maps a GORM error onto the store taxonomy.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrUnavailable, err)
}
