package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/model"
	"beacon-registry/internal/store"
)

// CreateRequest describes a user's intent to play a game for a while.
// Game may be a code or an alias; an empty Platform selects the game's default.
type CreateRequest struct {
	UserID   string
	Username string
	Game     string
	Platform string
	Duration time.Duration
}

// CreateResult is the stored beacon and the other users it matched with.
type CreateResult struct {
	Beacon  model.Beacon
	Matched []model.Beacon
}

// Registry enforces one active beacon per (user, game) on top of a Store
// and computes who a new beacon matches with. It never notifies anybody.
type Registry struct {
	store   store.Store
	catalog *catalog.Catalog
	clock   clock.Clock
	opts    Options
	locks   *keyedLocks
}

// New creates a Registry. Zero-valued options fall back to DefaultOptions.
func New(s store.Store, cat *catalog.Catalog, clk clock.Clock, opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		store:   s,
		catalog: cat,
		clock:   clk,
		opts:    opts,
		locks:   newKeyedLocks(),
	}, nil
}

type createInput struct {
	userID   string
	username string
	game     catalog.Game
	platform string
	duration time.Duration
}

// Create stores a new beacon for the user, replacing any active beacon they
// already have for the same game, and returns the users it matches with.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	in, err := r.validate(req)
	if err != nil {
		return CreateResult{}, err
	}

	if r.opts.LockMode == LockStore {
		return r.createExclusive(ctx, in)
	}

	unlock, err := r.locks.Lock(ctx, lockKey(in.userID, in.game.Code))
	if err != nil {
		return CreateResult{}, unavailable("acquire lock", err)
	}
	defer unlock()

	now := r.clock.Now()
	if _, err := r.removeActive(ctx, in.userID, in.game.Code, now); err != nil {
		return CreateResult{}, err
	}

	matched, err := r.matches(ctx, in, now)
	if err != nil {
		return CreateResult{}, err
	}

	b := r.build(in, now)
	for attempt := 0; attempt <= r.opts.IDRetries; attempt++ {
		b.UniqueID = r.opts.NewID()
		err = r.call(ctx, func(ctx context.Context) error {
			return r.store.Put(ctx, b)
		})
		if err == nil {
			log.Printf("Beacon %s created for %s on %s/%s, %d match(es)", b.UniqueID, b.UserID, b.Game, b.Platform, len(matched))
			return CreateResult{Beacon: b, Matched: matched}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return CreateResult{}, unavailable("put beacon", err)
		}
		log.Printf("Beacon id %s collided, regenerating", b.UniqueID)
	}
	return CreateResult{}, unavailable("put beacon", fmt.Errorf("id still conflicting after %d retries: %w", r.opts.IDRetries, err))
}

// createExclusive runs refresh-then-create rounds against the store's
// conditional write until one wins the (user, game) slot.
func (r *Registry) createExclusive(ctx context.Context, in createInput) (CreateResult, error) {
	var lastErr error
	for round := 0; round <= r.opts.ConflictRetries; round++ {
		now := r.clock.Now()
		if _, err := r.removeActive(ctx, in.userID, in.game.Code, now); err != nil {
			return CreateResult{}, err
		}

		matched, err := r.matches(ctx, in, now)
		if err != nil {
			return CreateResult{}, err
		}

		b := r.build(in, now)
		b.UniqueID = r.opts.NewID()
		lastErr = r.call(ctx, func(ctx context.Context) error {
			return r.store.PutExclusive(ctx, b, now)
		})
		if lastErr == nil {
			log.Printf("Beacon %s created for %s on %s/%s, %d match(es)", b.UniqueID, b.UserID, b.Game, b.Platform, len(matched))
			return CreateResult{Beacon: b, Matched: matched}, nil
		}
		if !errors.Is(lastErr, store.ErrConflict) {
			return CreateResult{}, unavailable("put beacon", lastErr)
		}
		log.Printf("Conditional write for %s/%s conflicted (round %d)", in.userID, in.game.Code, round+1)
	}
	return CreateResult{}, unavailable("put beacon", fmt.Errorf("still conflicting after %d rounds: %w", r.opts.ConflictRetries, lastErr))
}

// AllGames may be passed to Stop instead of a game to stop every game.
const AllGames = "*"

// Stop removes the user's active beacon for game, or all of their active
// beacons when game is empty or AllGames. It returns how many were removed.
func (r *Registry) Stop(ctx context.Context, userID, game string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, invalid("user id is required")
	}

	game = strings.TrimSpace(game)
	if game != "" && game != AllGames {
		g, err := r.catalog.Lookup(game)
		if err != nil {
			return 0, invalid("%s is not a valid game", game)
		}
		return r.stopGame(ctx, userID, g.Code)
	}

	active, err := r.readUser(ctx, userID, r.clock.Now())
	if err != nil {
		return 0, err
	}
	var games []string
	for _, b := range active {
		if !slices.Contains(games, b.Game) {
			games = append(games, b.Game)
		}
	}
	slices.Sort(games)

	total := 0
	for _, code := range games {
		n, err := r.stopGame(ctx, userID, code)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Registry) stopGame(ctx context.Context, userID, code string) (int, error) {
	if r.opts.LockMode == LockMemory {
		unlock, err := r.locks.Lock(ctx, lockKey(userID, code))
		if err != nil {
			return 0, unavailable("acquire lock", err)
		}
		defer unlock()
	}
	n, err := r.removeActive(ctx, userID, code, r.clock.Now())
	if n > 0 {
		log.Printf("Stopped %d beacon(s) for %s on %s", n, userID, code)
	}
	return n, err
}

// ListByGame returns the active beacons for one game, soonest-expiring first.
func (r *Registry) ListByGame(ctx context.Context, game string) ([]model.Beacon, error) {
	g, err := r.catalog.Lookup(game)
	if err != nil {
		return nil, invalid("%s is not a valid game", game)
	}
	return r.readGame(ctx, g.Code, r.clock.Now())
}

// ListByUser returns every active beacon the user holds.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]model.Beacon, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("user id is required")
	}
	return r.readUser(ctx, userID, r.clock.Now())
}

// ListAll queries every catalog game concurrently and returns the games
// that have at least one user waiting.
func (r *Registry) ListAll(ctx context.Context) (map[string][]model.Beacon, error) {
	now := r.clock.Now()
	codes := r.catalog.Codes()
	results := make([][]model.Beacon, len(codes))

	g, gctx := errgroup.WithContext(ctx)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			beacons, err := r.readGame(gctx, code, now)
			if err != nil {
				return err
			}
			results[i] = beacons
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]model.Beacon)
	for i, code := range codes {
		if len(results[i]) > 0 {
			out[code] = results[i]
		}
	}
	return out, nil
}

func (r *Registry) validate(req CreateRequest) (createInput, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return createInput{}, invalid("user id is required")
	}

	if strings.TrimSpace(req.Game) == "" {
		return createInput{}, invalid("game is required")
	}
	g, err := r.catalog.Lookup(req.Game)
	if err != nil {
		return createInput{}, invalid("%s is not a valid game", req.Game)
	}
	platform, err := g.ResolvePlatform(req.Platform)
	if err != nil {
		return createInput{}, invalid("%s is not a valid platform for %s, valid platforms are: %s",
			req.Platform, g.Code, strings.Join(g.Platforms, ", "))
	}

	d, err := r.boundDuration(req.Duration)
	if err != nil {
		return createInput{}, err
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = userID
	}
	return createInput{userID: userID, username: username, game: g, platform: platform, duration: d}, nil
}

func (r *Registry) boundDuration(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, invalid("wait time must be positive")
	}
	lo, hi := r.opts.MinDuration, r.opts.MaxDuration
	if d >= lo && d <= hi {
		return d, nil
	}
	if r.opts.DurationPolicy == DurationReject {
		return 0, invalid("wait time must be between %s and %s", formatHours(lo), formatHours(hi))
	}
	return min(max(d, lo), hi), nil
}

func (r *Registry) build(in createInput, now time.Time) model.Beacon {
	start := now.Unix()
	secs := int64((in.duration + time.Second - 1) / time.Second)
	return model.Beacon{
		UserID:    in.userID,
		Username:  in.username,
		TypeName:  model.TypeNameBeacon,
		Game:      in.game.Code,
		Platform:  in.platform,
		StartTime: start,
		EndTime:   start + secs,
	}
}

// matches returns the other users' active beacons compatible with in.
func (r *Registry) matches(ctx context.Context, in createInput, now time.Time) ([]model.Beacon, error) {
	active, err := r.readGame(ctx, in.game.Code, now)
	if err != nil {
		return nil, err
	}
	matched := make([]model.Beacon, 0, len(active))
	for _, b := range active {
		if b.UserID == in.userID {
			continue
		}
		if r.compatible(in.game, in.platform, b.Platform) {
			matched = append(matched, b)
		}
	}
	return matched, nil
}

func (r *Registry) compatible(g catalog.Game, a, b string) bool {
	switch r.opts.MatchRule {
	case MatchAny:
		return true
	case MatchDefault:
		return a == b || a == g.DefaultPlatform || b == g.DefaultPlatform
	default:
		return a == b
	}
}

// removeActive deletes the user's active beacons for one game.
func (r *Registry) removeActive(ctx context.Context, userID, code string, now time.Time) (int, error) {
	active, err := r.readUser(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range active {
		if b.Game != code {
			continue
		}
		err := r.call(ctx, func(ctx context.Context) error {
			return r.store.Delete(ctx, b.UniqueID)
		})
		if err != nil {
			return removed, unavailable("delete beacon", err)
		}
		removed++
	}
	return removed, nil
}

func (r *Registry) readGame(ctx context.Context, code string, now time.Time) ([]model.Beacon, error) {
	return r.read(ctx, "query game "+code, func(ctx context.Context) ([]model.Beacon, error) {
		return r.store.QueryActiveByGame(ctx, code, now)
	})
}

func (r *Registry) readUser(ctx context.Context, userID string, now time.Time) ([]model.Beacon, error) {
	return r.read(ctx, "query user "+userID, func(ctx context.Context) ([]model.Beacon, error) {
		return r.store.QueryActiveByUser(ctx, userID, now)
	})
}

// read runs an idempotent query with bounded exponential backoff. Only
// store.ErrUnavailable is retried.
func (r *Registry) read(ctx context.Context, op string, query func(ctx context.Context) ([]model.Beacon, error)) ([]model.Beacon, error) {
	var out []model.Beacon
	operation := func() error {
		var beacons []model.Beacon
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			beacons, err = query(ctx)
			return err
		})
		if err == nil {
			out = beacons
			return nil
		}
		if ctx.Err() != nil || !errors.Is(err, store.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		log.Printf("Retrying %s: %v", op, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.ReadBackoff
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.opts.ReadRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// call runs one store operation under StoreTimeout.
func (r *Registry) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func lockKey(userID, game string) string {
	return userID + "\x00" + game
}

func formatHours(d time.Duration) string {
	return fmt.Sprintf("%g hours", math.Round(d.Hours()*100)/100)
}
