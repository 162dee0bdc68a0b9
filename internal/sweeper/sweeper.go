// Package sweeper runs scheduled maintenance: pruning stale context-cache
// entries and reporting delegations that have sat unresolved too long. It
// only observes and prunes derived state; task state changes stay
// caller-driven.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/task"
)

type Service struct {
	repo     task.Repository
	cache    *diffcache.Cache
	cacheTTL time.Duration
	staleAge time.Duration
	schedule string

	mu    sync.Mutex
	cron  *rcron.Cron
	ctx   context.Context
	stop  context.CancelFunc
	OnRun func() // test hook, called after each sweep
}

func NewService(repo task.Repository, cache *diffcache.Cache, cacheTTL, staleAge time.Duration, schedule string) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		staleAge: staleAge,
		schedule: schedule,
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.stop = cancel
	s.mu.Unlock()

	s.cron = rcron.New(rcron.WithSeconds())
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		cancel()
		return fmt.Errorf("register sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Printf("[sweeper] started (schedule %q, cache ttl %s, stale age %s)", s.schedule, s.cacheTTL, s.staleAge)

	go func() {
		<-runCtx.Done()
		s.cron.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	log.Printf("[sweeper] stopped")
}

// Sweep performs one maintenance pass. Exported so the CLI can trigger it
// on demand.
func (s *Service) Sweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if n := s.cache.PruneOlderThan(s.cacheTTL); n > 0 {
			log.Printf("[sweeper] pruned %d cache entries", n)
		}
	}

	if s.staleAge > 0 {
		cutoff := time.Now().Add(-s.staleAge)
		stale, err := s.repo.ListStalePending(ctx, cutoff)
		if err != nil {
			log.Printf("[sweeper] stale delegation scan failed: %v", err)
		} else {
			for _, d := range stale {
				log.Printf("[sweeper] delegation %s on task %s pending since %s (%s -> %s)",
					d.ID, d.TaskID, d.DelegationTime.Format(time.RFC3339), d.FromRole, d.ToRole)
			}
		}
	}

	if s.OnRun != nil {
		s.OnRun()
	}
}
