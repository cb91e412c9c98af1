package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"beacon-registry/internal/model"
)

type slotKey struct {
	userID string
	game   string
}

// memStore keeps beacons in two indexes sorted by (EndTime, UniqueID): one
// per type name and one per user. Queries binary-search for the first entry
// with EndTime > now and scan forward.
type memStore struct {
	mu     sync.RWMutex
	byID   map[string]model.Beacon
	byType map[string][]model.Beacon
	byUser map[string][]model.Beacon
	slots  map[slotKey]string
	subs   map[string]model.PushSubscription
}

// MemoryStore is returned by NewMemoryStore.
type MemoryStore interface {
	Store
	SubscriptionStore
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() MemoryStore {
	return &memStore{
		byID:   make(map[string]model.Beacon),
		byType: make(map[string][]model.Beacon),
		byUser: make(map[string][]model.Beacon),
		slots:  make(map[slotKey]string),
		subs:   make(map[string]model.PushSubscription),
	}
}

func (s *memStore) Put(ctx context.Context, b model.Beacon) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIDOwner(b); err != nil {
		return err
	}
	s.put(b)
	return nil
}

func (s *memStore) PutExclusive(ctx context.Context, b model.Beacon, now time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIDOwner(b); err != nil {
		return err
	}
	key := slotKey{b.UserID, b.Game}
	if holder, ok := s.slots[key]; ok && holder != b.UniqueID {
		if cur, ok := s.byID[holder]; ok && cur.Active(now) {
			return fmt.Errorf("%w: %s already waiting for %s", ErrConflict, b.UserID, b.Game)
		}
	}
	s.put(b)
	s.slots[key] = b.UniqueID
	return nil
}

func (s *memStore) Delete(ctx context.Context, uniqueID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(uniqueID)
	return nil
}

func (s *memStore) QueryActiveByGame(ctx context.Context, game string, now time.Time) ([]model.Beacon, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return activeFrom(s.byType[model.TypeNameBeacon], now, func(b model.Beacon) bool {
		return b.Game == game
	}), nil
}

func (s *memStore) QueryActiveByUser(ctx context.Context, userID string, now time.Time) ([]model.Beacon, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return activeFrom(s.byUser[userID], now, nil), nil
}

func (s *memStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.Unix()
	var expired []string
	for id, b := range s.byID {
		if b.EndTime <= cutoff {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.remove(id)
	}
	return int64(len(expired)), nil
}

func (s *memStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.subs[sub.Endpoint]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.subs[sub.Endpoint] = sub
	return nil
}

func (s *memStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	if err := ctxErr(ctx); err != nil {
		return model.PushSubscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[endpoint]
	if !ok {
		return model.PushSubscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *memStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, endpoint)
	return nil
}

func (s *memStore) SubscriptionsForUsers(ctx context.Context, userIDs []string) ([]model.PushSubscription, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []model.PushSubscription
	for _, sub := range s.subs {
		if slices.Contains(userIDs, sub.UserID) {
			subs = append(subs, sub)
		}
	}
	slices.SortFunc(subs, func(a, b model.PushSubscription) int {
		return cmp.Compare(a.Endpoint, b.Endpoint)
	})
	return subs, nil
}

func (s *memStore) checkIDOwner(b model.Beacon) error {
	if cur, ok := s.byID[b.UniqueID]; ok && !sameOwner(cur, b) {
		return fmt.Errorf("%w: id %s already in use", ErrConflict, b.UniqueID)
	}
	return nil
}

// put must be called with mu held.
func (s *memStore) put(b model.Beacon) {
	if old, ok := s.byID[b.UniqueID]; ok {
		s.unindex(old)
	}
	s.byID[b.UniqueID] = b
	s.byType[b.TypeName] = insertSorted(s.byType[b.TypeName], b)
	s.byUser[b.UserID] = insertSorted(s.byUser[b.UserID], b)
}

// remove must be called with mu held.
func (s *memStore) remove(id string) {
	b, ok := s.byID[id]
	if !ok {
		return
	}
	s.unindex(b)
	key := slotKey{b.UserID, b.Game}
	if s.slots[key] == id {
		delete(s.slots, key)
	}
}

func (s *memStore) unindex(b model.Beacon) {
	delete(s.byID, b.UniqueID)
	s.byType[b.TypeName] = removeSorted(s.byType[b.TypeName], b)
	if len(s.byType[b.TypeName]) == 0 {
		delete(s.byType, b.TypeName)
	}
	s.byUser[b.UserID] = removeSorted(s.byUser[b.UserID], b)
	if len(s.byUser[b.UserID]) == 0 {
		delete(s.byUser, b.UserID)
	}
}

func compareBeacons(a, b model.Beacon) int {
	if c := cmp.Compare(a.EndTime, b.EndTime); c != 0 {
		return c
	}
	return cmp.Compare(a.UniqueID, b.UniqueID)
}

func insertSorted(list []model.Beacon, b model.Beacon) []model.Beacon {
	i, _ := slices.BinarySearchFunc(list, b, compareBeacons)
	return slices.Insert(list, i, b)
}

func removeSorted(list []model.Beacon, b model.Beacon) []model.Beacon {
	i, found := slices.BinarySearchFunc(list, b, compareBeacons)
	if !found {
		return list
	}
	return slices.Delete(list, i, i+1)
}

// activeFrom copies every entry with EndTime > now that passes keep.
func activeFrom(list []model.Beacon, now time.Time, keep func(model.Beacon) bool) []model.Beacon {
	cutoff := now.Unix()
	start, _ := slices.BinarySearchFunc(list, cutoff, func(b model.Beacon, t int64) int {
		if b.EndTime <= t {
			return -1
		}
		return 1
	})
	out := make([]model.Beacon, 0, len(list)-start)
	for _, b := range list[start:] {
		if keep == nil || keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
