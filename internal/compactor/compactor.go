package compactor

import (
	"context"
	"log"
	"time"

	"beacon-registry/config"
	"beacon-registry/internal/clock"
	"beacon-registry/internal/store"
)

// Service periodically deletes beacons that expired more than Grace ago.
// Liveness never depends on it: queries already ignore expired records.
type Service struct {
	cfg   config.CompactorConfig
	store store.Store
	clock clock.Clock
}

// NewService creates a compactor over the given store.
func NewService(cfg config.CompactorConfig, s store.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{cfg: cfg, store: s, clock: clk}
}

// Run compacts once immediately and then on every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Println("Compactor is disabled. Not starting.")
		return
	}
	log.Println("Starting compactor service...")

	s.CompactOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Compactor service shutting down.")
			return
		case <-timer.C:
			s.CompactOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// CompactOnce performs a single deletion round and returns how many beacons
// were removed.
func (s *Service) CompactOnce(ctx context.Context) int64 {
	cutoff := s.clock.Now().Add(-s.cfg.Grace)
	removed, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		log.Printf("Error compacting beacons expired before %s: %v", cutoff.Format(time.RFC3339), err)
		return 0
	}
	if removed > 0 {
		log.Printf("Compacted %d expired beacon(s)", removed)
	}
	return removed
}
