// Package scheduler implements AcquireWorker, the single entry point
// the front door uses to obtain a worker endpoint for a request.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/activity"
	"github.com/mcneel/compute-dispatcher/internal/pool"
)

// ErrNoWorkerAvailable is returned when AcquireWorker exhausts its
// budget without finding or spawning a Free worker.
var ErrNoWorkerAvailable = errors.New("scheduler: no worker available")

const acquirePoll = 500 * time.Millisecond

// DefaultBudget is the 60s acquire budget used when the operator has
// not overridden Config.Workers.AcquireTimeoutSeconds.
const DefaultBudget = 60 * time.Second

// SpawnFunc starts a new worker in the background (Starting state)
// and returns once the subprocess has launched, without waiting for
// readiness. The scheduler only ever calls it non-blocking; readiness
// is later observed through Registry.PromoteReadyStarting.
type SpawnFunc func() error

// Scheduler selects or spawns a Free worker for each inbound request.
type Scheduler struct {
	registry   *pool.Registry
	spawn      SpawnFunc
	activity   *activity.Clock
	spawnCount int
	budget     time.Duration
}

// New creates a Scheduler. spawnCount is the configured cap
// (Config.Workers.SpawnCount); spawn is invoked whenever the
// scheduler decides to grow the pool; budget is the wall-clock time
// AcquireWorker is willing to wait before failing.
func New(registry *pool.Registry, spawn SpawnFunc, clock *activity.Clock, spawnCount int, budget time.Duration) *Scheduler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Scheduler{registry: registry, spawn: spawn, activity: clock, spawnCount: spawnCount, budget: budget}
}

// AcquireWorker selects a Ready worker currently reporting Free,
// spawning new workers up to the configured cap as needed. It fails
// with ErrNoWorkerAvailable after the configured budget, or returns
// ctx's error if the caller's context is canceled first.
func (s *Scheduler) AcquireWorker(ctx context.Context) (*pool.Worker, error) {
	s.activity.UpdateLastCall()

	deadline := time.Now().Add(s.budget)
	for {
		s.registry.Reap()
		s.registry.PromoteReadyStarting()

		if w, ok := s.registry.AcquireFree(); ok {
			return w, nil
		}

		if s.registry.TryBeginSpawn(s.spawnCount) {
			if err := s.spawn(); err != nil {
				log.Printf("scheduler: spawn attempt failed: %v", err)
				s.registry.EndSpawn()
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: exceeded %s budget", ErrNoWorkerAvailable, s.budget)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePoll):
		}
	}
}
