package compactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon-registry/config"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/model"
	"beacon-registry/internal/store"
)

// mockStore counts DeleteExpired calls; every other method is unused.
type mockStore struct {
	store.Store

	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	calls   chan struct{}
}

func (m *mockStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	m.cutoffs = append(m.cutoffs, before)
	m.mu.Unlock()
	if m.calls != nil {
		m.calls <- struct{}{}
	}
	return 1, m.err
}

func TestCompactOnce(t *testing.T) {
	now := time.Unix(100_000, 0)
	ctx := context.Background()
	s := store.NewMemoryStore()

	put := func(id string, end int64) {
		require.NoError(t, s.Put(ctx, model.Beacon{UniqueID: id, UserID: id, TypeName: model.TypeNameBeacon, Game: "SFV", Platform: "PC", StartTime: end - 60, EndTime: end}))
	}
	put("long-gone", now.Unix()-7200)
	put("just-expired", now.Unix()-60)
	put("live", now.Unix()+60)

	svc := NewService(config.CompactorConfig{Enabled: true, Grace: time.Hour}, s, clock.Fake(now))
	assert.Equal(t, int64(1), svc.CompactOnce(ctx))

	// The recently expired beacon is kept for the grace period but stays invisible.
	active, err := s.QueryActiveByGame(ctx, "SFV", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].UniqueID)

	remaining, err := s.QueryActiveByGame(ctx, "SFV", time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestCompactOnce_StoreError(t *testing.T) {
	m := &mockStore{err: errors.New("db down")}
	svc := NewService(config.CompactorConfig{Enabled: true}, m, clock.Fake(time.Unix(0, 0)))
	assert.Equal(t, int64(0), svc.CompactOnce(context.Background()))
}

func TestRun(t *testing.T) {
	t.Run("disabled returns immediately", func(t *testing.T) {
		m := &mockStore{}
		svc := NewService(config.CompactorConfig{Enabled: false}, m, nil)
		svc.Run(context.Background())
		assert.Empty(t, m.cutoffs)
	})

	t.Run("runs on start and on every tick", func(t *testing.T) {
		now := time.Unix(50_000, 0)
		m := &mockStore{calls: make(chan struct{}, 8)}
		svc := NewService(config.CompactorConfig{Enabled: true, Interval: 10 * time.Millisecond, Grace: time.Minute}, m, clock.Fake(now))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			svc.Run(ctx)
			close(done)
		}()

		for i := 0; i < 2; i++ {
			select {
			case <-m.calls:
			case <-time.After(time.Second):
				t.Fatal("compactor did not run")
			}
		}
		cancel()
		<-done

		m.mu.Lock()
		defer m.mu.Unlock()
		assert.Equal(t, now.Add(-time.Minute), m.cutoffs[0])
	})
}
