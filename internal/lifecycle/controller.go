// Package lifecycle runs the periodic reaper that keeps the worker
// pool at its configured size.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/pool"
)

// DefaultTickInterval is the reap/cap/floor tick period used when the
// operator has not overridden Config.Workers.ReapIntervalSeconds.
const DefaultTickInterval = 30 * time.Second

// SpawnFunc starts one new worker in the background, without waiting
// for readiness.
type SpawnFunc func() error

// Controller periodically reaps dead/unresponsive workers and
// enforces the configured cap and floor.
type Controller struct {
	registry   *pool.Registry
	spawn      SpawnFunc
	spawnCount int

	everUsed atomic.Bool
	spawnOnStartup bool

	tickInterval      time.Duration
	reportComposition func(starting, ready int)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Controller. spawnOnStartup controls whether the floor
// is enforced on a cold pool before any AcquireWorker call has
// happened (§4.6 of the design). tickInterval is the reap/cap/floor
// period; a value <= 0 falls back to DefaultTickInterval.
// reportComposition, if non-nil, is called at the end of every tick
// with the current Starting/Ready counts, letting callers wire in
// metrics without this package depending on a metrics package.
func New(registry *pool.Registry, spawn SpawnFunc, spawnCount int, spawnOnStartup bool, tickInterval time.Duration, reportComposition func(starting, ready int)) *Controller {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Controller{
		registry:          registry,
		spawn:             spawn,
		spawnCount:        spawnCount,
		spawnOnStartup:    spawnOnStartup,
		tickInterval:      tickInterval,
		reportComposition: reportComposition,
		stop:              make(chan struct{}),
	}
}

// MarkUsed records that the pool has served at least one request,
// unlocking floor enforcement even when SpawnOnStartup is false.
// cmd/dispatcher calls this from the spawn function it hands the
// scheduler, so the first AcquireWorker that grows the pool marks it.
func (c *Controller) MarkUsed() {
	c.everUsed.Store(true)
}

// StartupSpawn performs one blocking spawn before traffic is served,
// when SpawnOnStartup is configured. waitFn is a blocking spawn
// (waits for readiness); it is supplied by the caller because
// Controller itself only ever spawns non-blocking.
func (c *Controller) StartupSpawn(waitFn func() error) error {
	if !c.spawnOnStartup {
		return nil
	}
	log.Print("lifecycle: spawning initial worker before serving traffic")
	return waitFn()
}

// Run ticks every tickInterval until ctx is canceled or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop halts the ticking goroutine and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Controller) tick() {
	c.registry.Reap()
	c.enforceCap()
	c.enforceFloor()
	if c.reportComposition != nil {
		starting, ready := c.registry.StateCounts()
		c.reportComposition(starting, ready)
	}
}

// enforceCap kills the most recently spawned worker repeatedly until
// the pool is back at or under SpawnCount.
func (c *Controller) enforceCap() {
	for c.registry.CountNonDead() > c.spawnCount {
		w, ok := c.registry.MostRecentlySpawned()
		if !ok {
			return
		}
		log.Printf("lifecycle: evicting worker port=%d to enforce cap=%d", w.Port, c.spawnCount)
		c.registry.MarkDead(w.Port, pool.ReasonCap, true)
	}
}

// enforceFloor tops the pool back up toward SpawnCount, but only once
// the pool has either been configured to spawn on startup or has
// served at least one request — a cold, never-used pool is left at
// zero. It spawns at most one worker per tick: TryBeginSpawn refuses
// a second reservation while the one from this (or a concurrent
// AcquireWorker) spawn is still Starting, so the floor is reached
// gradually over successive ticks rather than all at once (I3).
func (c *Controller) enforceFloor() {
	if !c.spawnOnStartup && !c.everUsed.Load() {
		return
	}
	if c.registry.CountNonDead() >= c.spawnCount {
		return
	}
	if !c.registry.TryBeginSpawn(c.spawnCount) {
		return
	}
	if err := c.spawn(); err != nil {
		log.Printf("lifecycle: floor spawn failed: %v", err)
		c.registry.EndSpawn()
	}
}
