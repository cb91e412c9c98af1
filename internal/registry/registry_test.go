package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/model"
	"beacon-registry/internal/store"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func newTestRegistry(t *testing.T, s store.Store, opts Options) (*Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	if opts.ReadBackoff == 0 {
		opts.ReadBackoff = time.Millisecond
	}
	r, err := New(s, catalog.Default(), clk, opts)
	require.NoError(t, err)
	return r, clk
}

func userIDs(beacons []model.Beacon) []string {
	out := make([]string, 0, len(beacons))
	for _, b := range beacons {
		out = append(out, b.UserID)
	}
	return out
}

func create(t *testing.T, r *Registry, user, game, platform string, d time.Duration) CreateResult {
	t.Helper()
	res, err := r.Create(context.Background(), CreateRequest{UserID: user, Game: game, Platform: platform, Duration: d})
	require.NoError(t, err)
	return res
}

func TestRegistry_WorkedExample(t *testing.T) {
	r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	first := create(t, r, "u1", "SFV", "PC", 150*time.Minute)
	assert.NotEmpty(t, first.Beacon.UniqueID)
	assert.Empty(t, first.Matched)

	second := create(t, r, "u2", "SFV", "PC", time.Hour)
	assert.Equal(t, []string{"u1"}, userIDs(second.Matched))

	listed, err := r.ListByGame(ctx, "SFV")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	// Soonest-expiring first.
	assert.Equal(t, "u2", listed[0].UserID)
	assert.Equal(t, 3600*time.Second, listed[0].Remaining(clk.Now()))
	assert.Equal(t, "u1", listed[1].UserID)
	assert.Equal(t, 9000*time.Second, listed[1].Remaining(clk.Now()))

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.ElementsMatch(t, []string{"u1", "u2"}, userIDs(all["SFV"]))
}

func TestRegistry_CreateRefreshesExistingBeacon(t *testing.T) {
	r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	first := create(t, r, "u1", "SFV", "", time.Hour)
	clk.Advance(10 * time.Minute)
	second := create(t, r, "u1", "sf5", "pc", 2*time.Hour)

	assert.NotEqual(t, first.Beacon.UniqueID, second.Beacon.UniqueID)
	assert.Empty(t, second.Matched, "a user never matches their own beacon")

	listed, err := r.ListByGame(ctx, "SFV")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, second.Beacon.UniqueID, listed[0].UniqueID)
	assert.Equal(t, 2*time.Hour, listed[0].Remaining(clk.Now()))
}

func TestRegistry_ExpiredBeaconsAreInvisible(t *testing.T) {
	r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	create(t, r, "u1", "SFV", "PC", time.Hour)
	create(t, r, "u1", "ST", "PC", 2*time.Hour)

	clk.Advance(time.Hour)

	byGame, err := r.ListByGame(ctx, "SFV")
	require.NoError(t, err)
	assert.Empty(t, byGame)

	byUser, err := r.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "ST", byUser[0].Game)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "SFV")

	// An expired beacon is not matched either.
	res := create(t, r, "u2", "SFV", "PC", time.Hour)
	assert.Empty(t, res.Matched)
}

func TestRegistry_Stop(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to remove", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		n, err := r.Stop(ctx, "ghost", "SFV")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = r.Stop(ctx, "ghost", "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("one game by alias", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		create(t, r, "u1", "SFV", "PC", time.Hour)
		create(t, r, "u1", "3S", "PC", time.Hour)

		n, err := r.Stop(ctx, "u1", "sf5")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		left, err := r.ListByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "3S", left[0].Game)
	})

	t.Run("all games", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		create(t, r, "u1", "SFV", "PC", time.Hour)
		create(t, r, "u1", "3S", "PC", time.Hour)
		create(t, r, "u1", "ST", "FC", time.Hour)
		create(t, r, "u2", "ST", "FC", time.Hour)

		n, err := r.Stop(ctx, "u1", "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := r.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Equal(t, []string{"u2"}, userIDs(all["ST"]))
	})

	t.Run("all games by wildcard", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		create(t, r, "u1", "SFV", "PC", time.Hour)
		create(t, r, "u1", "3S", "PC", time.Hour)

		n, err := r.Stop(ctx, "u1", AllGames)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		left, err := r.ListByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("unknown game", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		_, err := r.Stop(ctx, "u1", "tekken")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("stop after create observes the beacon", func(t *testing.T) {
		r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
		create(t, r, "u1", "SFV", "PC", time.Hour)
		n, err := r.Stop(ctx, "u1", "SFV")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestRegistry_CreateValidation(t *testing.T) {
	testCases := []struct {
		name    string
		req     CreateRequest
		wantErr string
	}{
		{
			name:    "missing user",
			req:     CreateRequest{Game: "SFV", Duration: time.Hour},
			wantErr: "user id is required",
		},
		{
			name:    "missing game",
			req:     CreateRequest{UserID: "u1", Duration: time.Hour},
			wantErr: "game is required",
		},
		{
			name:    "unknown game",
			req:     CreateRequest{UserID: "u1", Game: "tekken", Duration: time.Hour},
			wantErr: "tekken is not a valid game",
		},
		{
			name:    "platform not offered",
			req:     CreateRequest{UserID: "u1", Game: "SFA", Platform: "ps4", Duration: time.Hour},
			wantErr: "ps4 is not a valid platform for SFA",
		},
		{
			name:    "zero duration",
			req:     CreateRequest{UserID: "u1", Game: "SFV", Duration: 0},
			wantErr: "wait time must be positive",
		},
		{
			name:    "negative duration",
			req:     CreateRequest{UserID: "u1", Game: "SFV", Duration: -time.Hour},
			wantErr: "wait time must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
			_, err := r.Create(context.Background(), tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)

			var ire *InvalidRequestError
			require.ErrorAs(t, err, &ire)
			assert.Contains(t, ire.Message, tc.wantErr)
		})
	}
}

func TestRegistry_DurationPolicy(t *testing.T) {
	testCases := []struct {
		name     string
		policy   DurationPolicy
		duration time.Duration
		want     time.Duration
		invalid  bool
	}{
		{name: "clamp keeps in-range", policy: DurationClamp, duration: 2 * time.Hour, want: 2 * time.Hour},
		{name: "clamp caps above max", policy: DurationClamp, duration: 30 * time.Hour, want: 24 * time.Hour},
		{name: "clamp raises below min", policy: DurationClamp, duration: 5 * time.Minute, want: 15 * time.Minute},
		{name: "clamp still rejects zero", policy: DurationClamp, duration: 0, invalid: true},
		{name: "reject keeps in-range", policy: DurationReject, duration: 24 * time.Hour, want: 24 * time.Hour},
		{name: "reject above max", policy: DurationReject, duration: 25 * time.Hour, invalid: true},
		{name: "reject below min", policy: DurationReject, duration: 5 * time.Minute, invalid: true},
		{name: "reject negative", policy: DurationReject, duration: -time.Minute, invalid: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{DurationPolicy: tc.policy})
			res, err := r.Create(context.Background(), CreateRequest{UserID: "u1", Game: "SFV", Duration: tc.duration})
			if tc.invalid {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Beacon.Remaining(clk.Now()))
		})
	}
}

func TestRegistry_MatchRules(t *testing.T) {
	// ST defaults to PC.
	testCases := []struct {
		name     string
		rule     MatchRule
		platform string
		want     []string
	}{
		{name: "same platform only", rule: MatchSame, platform: "FC", want: []string{"fc-user"}},
		{name: "default platform bridges", rule: MatchDefault, platform: "FC", want: []string{"pc-user", "fc-user"}},
		{name: "default platform caller matches all", rule: MatchDefault, platform: "PC", want: []string{"pc-user", "fc-user", "ps4-user"}},
		{name: "any platform", rule: MatchAny, platform: "PS4", want: []string{"pc-user", "fc-user", "ps4-user"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{MatchRule: tc.rule})
			create(t, r, "pc-user", "ST", "PC", time.Hour)
			clk.Advance(time.Second)
			create(t, r, "fc-user", "ST", "FC", time.Hour)
			clk.Advance(time.Second)
			create(t, r, "ps4-user", "ST", "PS4", time.Hour)
			clk.Advance(time.Second)

			res := create(t, r, "caller", "ST", tc.platform, time.Hour)
			assert.Equal(t, tc.want, userIDs(res.Matched))
		})
	}
}

func TestRegistry_DefaultPlatform(t *testing.T) {
	r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})

	res := create(t, r, "u1", "SFA", "", time.Hour)
	assert.Equal(t, "FC", res.Beacon.Platform)
	assert.Equal(t, "u1", res.Beacon.Username)
	assert.Equal(t, model.TypeNameBeacon, res.Beacon.TypeName)
	assert.Greater(t, res.Beacon.EndTime, res.Beacon.StartTime)
}

func TestRegistry_ConcurrentCreateLeavesOneBeacon(t *testing.T) {
	for _, mode := range []LockMode{LockMemory, LockStore} {
		t.Run(string(mode), func(t *testing.T) {
			r, clk := newTestRegistry(t, store.NewMemoryStore(), Options{LockMode: mode, ConflictRetries: 100})
			ctx := context.Background()

			const callers = 16
			var wg sync.WaitGroup
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = r.Create(ctx, CreateRequest{
						UserID:   "u1",
						Game:     "SFV",
						Duration: time.Duration(i+1) * time.Hour,
					})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.ErrorIs(t, err, ErrStorageUnavailable)
			}
			assert.Positive(t, succeeded)

			listed, err := r.ListByGame(ctx, "SFV")
			require.NoError(t, err)
			assert.Len(t, listed, 1)

			byUser, err := r.ListByUser(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, byUser, 1)
			assert.True(t, byUser[0].Active(clk.Now()))

			assert.Equal(t, 0, r.locks.size())
		})
	}
}

func TestRegistry_ConcurrentCreateAcrossUsers(t *testing.T) {
	r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
	ctx := context.Background()

	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Create(ctx, CreateRequest{UserID: fmt.Sprintf("u%d", i), Game: "SFV", Duration: time.Hour})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	listed, err := r.ListByGame(ctx, "SFV")
	require.NoError(t, err)
	assert.Len(t, listed, users)
}

// faultyStore wraps a Store and injects failures.
type faultyStore struct {
	store.Store

	mu           sync.Mutex
	readFailures int
	putErr       error
	puts         int
	blockReads   bool
}

func (f *faultyStore) failRead(ctx context.Context) error {
	f.mu.Lock()
	block := f.blockReads
	if f.readFailures > 0 {
		f.readFailures--
		f.mu.Unlock()
		return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
	}
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", store.ErrUnavailable, ctx.Err())
	}
	return nil
}

func (f *faultyStore) QueryActiveByGame(ctx context.Context, game string, now time.Time) ([]model.Beacon, error) {
	if err := f.failRead(ctx); err != nil {
		return nil, err
	}
	return f.Store.QueryActiveByGame(ctx, game, now)
}

func (f *faultyStore) QueryActiveByUser(ctx context.Context, userID string, now time.Time) ([]model.Beacon, error) {
	if err := f.failRead(ctx); err != nil {
		return nil, err
	}
	return f.Store.QueryActiveByUser(ctx, userID, now)
}

func (f *faultyStore) Put(ctx context.Context, b model.Beacon) error {
	f.mu.Lock()
	f.puts++
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Put(ctx, b)
}

func TestRegistry_ReadsAreRetried(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures recover", func(t *testing.T) {
		fs := &faultyStore{Store: store.NewMemoryStore(), readFailures: 2}
		r, _ := newTestRegistry(t, fs, Options{ReadRetries: 3})

		listed, err := r.ListByGame(ctx, "SFV")
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		fs := &faultyStore{Store: store.NewMemoryStore(), readFailures: 10}
		r, _ := newTestRegistry(t, fs, Options{ReadRetries: 2})

		_, err := r.ListByGame(ctx, "SFV")
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Equal(t, 7, fs.readFailures)
	})
}

func TestRegistry_WriteFailureIsNotRetried(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore(), putErr: fmt.Errorf("%w: timeout", store.ErrUnavailable)}
	r, _ := newTestRegistry(t, fs, Options{})

	_, err := r.Create(context.Background(), CreateRequest{UserID: "u1", Game: "SFV", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 1, fs.puts)
}

func TestRegistry_IDCollision(t *testing.T) {
	ctx := context.Background()
	sequence := func(ids ...string) func() string {
		var mu sync.Mutex
		i := 0
		return func() string {
			mu.Lock()
			defer mu.Unlock()
			id := ids[min(i, len(ids)-1)]
			i++
			return id
		}
	}

	t.Run("regenerates until free", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.Put(ctx, model.Beacon{UniqueID: "taken", UserID: "other", TypeName: model.TypeNameBeacon, Game: "ST", Platform: "PC", StartTime: 1, EndTime: 2}))
		r, _ := newTestRegistry(t, s, Options{NewID: sequence("taken", "taken", "fresh")})

		res := create(t, r, "u1", "SFV", "PC", time.Hour)
		assert.Equal(t, "fresh", res.Beacon.UniqueID)
	})

	t.Run("gives up after the budget", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.Put(ctx, model.Beacon{UniqueID: "taken", UserID: "other", TypeName: model.TypeNameBeacon, Game: "ST", Platform: "PC", StartTime: 1, EndTime: 2}))
		r, _ := newTestRegistry(t, s, Options{IDRetries: 2, NewID: sequence("taken")})

		_, err := r.Create(ctx, CreateRequest{UserID: "u1", Game: "SFV", Duration: time.Hour})
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestRegistry_StoreTimeoutReleasesLock(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemoryStore(), blockReads: true}
	r, _ := newTestRegistry(t, fs, Options{StoreTimeout: 20 * time.Millisecond, ReadRetries: 1})
	ctx := context.Background()

	_, err := r.Create(ctx, CreateRequest{UserID: "u1", Game: "SFV", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 0, r.locks.size())

	fs.mu.Lock()
	fs.blockReads = false
	fs.mu.Unlock()

	res := create(t, r, "u1", "SFV", "PC", time.Hour)
	assert.NotEmpty(t, res.Beacon.UniqueID)
}

func TestRegistry_CancelledCallerGetsUnavailable(t *testing.T) {
	r, _ := newTestRegistry(t, store.NewMemoryStore(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Create(ctx, CreateRequest{UserID: "u1", Game: "SFV", Duration: time.Hour})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNew_FillsDefaults(t *testing.T) {
	r, err := New(store.NewMemoryStore(), catalog.Default(), clock.Fake(epoch), Options{})
	require.NoError(t, err)

	d := DefaultOptions()
	assert.Equal(t, d.ReadRetries, r.opts.ReadRetries)
	assert.Equal(t, d.ReadBackoff, r.opts.ReadBackoff)
	assert.Equal(t, d.StoreTimeout, r.opts.StoreTimeout)
	assert.Equal(t, d.MinDuration, r.opts.MinDuration)
	assert.NotNil(t, r.opts.NewID)

	t.Run("zero-valued reads are retried", func(t *testing.T) {
		fs := &faultyStore{Store: store.NewMemoryStore(), readFailures: 2}
		r, _ := newTestRegistry(t, fs, Options{})

		_, err := r.ListByGame(context.Background(), "SFV")
		require.NoError(t, err)
	})
}

func TestNew_RejectsBadOptions(t *testing.T) {
	testCases := []struct {
		name string
		opts Options
	}{
		{name: "inverted bounds", opts: Options{MinDuration: 2 * time.Hour, MaxDuration: time.Hour}},
		{name: "unknown policy", opts: Options{DurationPolicy: "stretch"}},
		{name: "unknown match rule", opts: Options{MatchRule: "fuzzy"}},
		{name: "unknown lock mode", opts: Options{LockMode: "redis"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(store.NewMemoryStore(), catalog.Default(), clock.Fake(epoch), tc.opts)
			assert.Error(t, err)
		})
	}
}
