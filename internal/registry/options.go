package registry

import (
	"fmt"
	"time"
)

// DurationPolicy decides what happens to a wait time outside the bounds.
type DurationPolicy string

const (
	DurationClamp  DurationPolicy = "clamp"
	DurationReject DurationPolicy = "reject"
)

// MatchRule decides which platforms are compatible with each other.
type MatchRule string

const (
	// MatchSame pairs only beacons on the same platform.
	MatchSame MatchRule = "same"
	// MatchDefault also pairs anyone on the game's default platform.
	MatchDefault MatchRule = "default"
	// MatchAny ignores the platform.
	MatchAny MatchRule = "any"
)

// LockMode selects how concurrent creates for one (user, game) are serialized.
type LockMode string

const (
	// LockMemory holds an in-process keyed lock around refresh-then-create.
	LockMemory LockMode = "memory"
	// LockStore relies on the store's conditional write and retries on conflict.
	LockStore LockMode = "store"
)

// Options configures a Registry. Zero values are replaced by DefaultOptions.
type Options struct {
	MinDuration    time.Duration
	MaxDuration    time.Duration
	DurationPolicy DurationPolicy
	MatchRule      MatchRule
	LockMode       LockMode

	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration
	// IDRetries is how many times a colliding id is regenerated.
	IDRetries int
	// ConflictRetries is how many refresh-then-create rounds LockStore runs.
	ConflictRetries int
	// ReadRetries and ReadBackoff bound the retries of idempotent reads.
	// Zero takes the default like every other field.
	ReadRetries uint64
	ReadBackoff time.Duration

	// NewID generates beacon ids. Defaults to uuid.NewString.
	NewID func() string
}

// DefaultOptions returns the bounds and retry budgets used when none are configured.
func DefaultOptions() Options {
	return Options{
		MinDuration:     15 * time.Minute,
		MaxDuration:     24 * time.Hour,
		DurationPolicy:  DurationClamp,
		MatchRule:       MatchSame,
		LockMode:        LockMemory,
		StoreTimeout:    3 * time.Second,
		IDRetries:       3,
		ConflictRetries: 5,
		ReadRetries:     3,
		ReadBackoff:     50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinDuration <= 0 {
		o.MinDuration = d.MinDuration
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.DurationPolicy == "" {
		o.DurationPolicy = d.DurationPolicy
	}
	if o.MatchRule == "" {
		o.MatchRule = d.MatchRule
	}
	if o.LockMode == "" {
		o.LockMode = d.LockMode
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.IDRetries <= 0 {
		o.IDRetries = d.IDRetries
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = d.ConflictRetries
	}
	if o.ReadRetries == 0 {
		o.ReadRetries = d.ReadRetries
	}
	if o.ReadBackoff <= 0 {
		o.ReadBackoff = d.ReadBackoff
	}
	return o
}

func (o Options) validate() error {
	if o.MinDuration > o.MaxDuration {
		return fmt.Errorf("min duration %s exceeds max duration %s", o.MinDuration, o.MaxDuration)
	}
	switch o.DurationPolicy {
	case DurationClamp, DurationReject:
	default:
		return fmt.Errorf("unknown duration policy %q", o.DurationPolicy)
	}
	switch o.MatchRule {
	case MatchSame, MatchDefault, MatchAny:
	default:
		return fmt.Errorf("unknown match rule %q", o.MatchRule)
	}
	switch o.LockMode {
	case LockMemory, LockStore:
	default:
		return fmt.Errorf("unknown lock mode %q", o.LockMode)
	}
	return nil
}
