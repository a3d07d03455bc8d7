package pool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/probe"
)

// ReapReason labels why a worker was removed, for metrics.
type ReapReason string

const (
	ReasonExited       ReapReason = "exited"
	ReasonUnresponsive ReapReason = "unresponsive"
	ReasonSpawnTimeout ReapReason = "spawn_timeout"
	ReasonCap          ReapReason = "cap"
	ReasonShutdown     ReapReason = "shutdown"
)

// Registry is the authoritative in-memory set of workers, keyed by
// port, partitioned by lifecycle state. A single mutex serializes
// every read and write that depends on pool membership or worker
// state; probes performed while holding it are bounded to 1s each and
// the pool is expected to stay in the single digits (§5 of the spec),
// so the contention this adds is negligible. Splitting a membership
// lock from a per-worker probe lock is the documented scale-out path,
// not something this dispatcher needs today.
type Registry struct {
	mu sync.Mutex

	workers    map[int]*Worker
	readyOrder []int // ports in the order they entered Ready

	probe *probe.Client

	onReap func(port int, reason ReapReason)

	// spawning is true from a successful TryBeginSpawn until the
	// worker it produced leaves the Starting state (or the attempt
	// fails before ever reaching AddStarting, via EndSpawn). It is
	// the single-flight guard that makes "at most one worker Starting
	// at a time" (I3) hold across concurrent AcquireWorker calls and
	// the lifecycle controller's floor enforcement, instead of those
	// callers composing CountNonDead/CountStarting across separate
	// lock acquisitions.
	spawning bool
}

// New creates an empty Registry. onReap, if non-nil, is invoked
// (while still holding the lock) every time a worker is marked Dead,
// letting callers wire in metrics without this package depending on
// a metrics package.
func New(p *probe.Client, onReap func(port int, reason ReapReason)) *Registry {
	return &Registry{
		workers: make(map[int]*Worker),
		probe:   p,
		onReap:  onReap,
	}
}

// AddStarting registers a newly spawned worker in the Starting state.
func (r *Registry) AddStarting(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.State = Starting
	w.SpawnedAt = time.Now()
	r.workers[w.Port] = w
}

// TryBeginSpawn checks, in one locked call, whether a new spawn may
// proceed — no other spawn is already in flight and the pool has
// room for one more worker under cap — and reserves the single spawn
// slot if so. A caller that gets true back owns the reservation until
// it either calls EndSpawn (the attempt failed before a worker was
// ever registered) or the worker it produces leaves Starting via
// PromoteToReady or MarkDead, which release it automatically. This
// replaces composing CountNonDead/CountStarting across two lock
// acquisitions and a later, unguarded AddStarting: with the
// reservation held for the whole attempt, only one allocator.Next +
// cmd.Start + AddStarting sequence (see spawn.go) can ever be
// in flight system-wide, so two concurrent callers can never be
// handed the same port.
func (r *Registry) TryBeginSpawn(spawnCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawning || len(r.workers) >= spawnCount {
		return false
	}
	r.spawning = true
	return true
}

// EndSpawn releases a reservation taken by TryBeginSpawn when the
// spawn attempt failed before AddStarting ever ran. Calling it after
// AddStarting succeeded is harmless but unnecessary: PromoteToReady
// and MarkDead already release the reservation once that worker
// leaves Starting.
func (r *Registry) EndSpawn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawning = false
}

// PromoteToReady transitions a Starting worker to Ready. It returns
// false if the worker is not currently Starting (already promoted,
// already dead, or unknown).
func (r *Registry) PromoteToReady(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[port]
	if !ok || w.State != Starting {
		return false
	}
	w.State = Ready
	w.ReadyAt = time.Now()
	r.readyOrder = append(r.readyOrder, port)
	r.spawning = false
	return true
}

// MarkDead transitions a worker to Dead, optionally killing its
// process first, and records the reap reason. It is a no-op if the
// worker is unknown or already Dead.
func (r *Registry) MarkDead(port int, reason ReapReason, kill bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markDeadLocked(port, reason, kill)
}

func (r *Registry) markDeadLocked(port int, reason ReapReason, kill bool) {
	w, ok := r.workers[port]
	if !ok || w.State == Dead {
		return
	}
	if w.State == Starting {
		r.spawning = false
	}
	if kill {
		w.Kill()
	}
	w.State = Dead
	r.removeFromReadyOrderLocked(port)
	delete(r.workers, port)
	if r.onReap != nil {
		r.onReap(port, reason)
	}
}

func (r *Registry) removeFromReadyOrderLocked(port int) {
	for i, p := range r.readyOrder {
		if p == port {
			r.readyOrder = append(r.readyOrder[:i], r.readyOrder[i+1:]...)
			return
		}
	}
}

// SnapshotReady returns the Ready workers in the fixed insertion
// order (oldest-promoted first), so scans over it are deterministic.
func (r *Registry) SnapshotReady() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.readyOrder))
	for _, p := range r.readyOrder {
		if w, ok := r.workers[p]; ok && w.State == Ready {
			out = append(out, w)
		}
	}
	return out
}

// CountNonDead returns the number of Starting+Ready workers.
func (r *Registry) CountNonDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// CountStarting returns the number of workers currently Starting.
func (r *Registry) CountStarting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.State == Starting {
			n++
		}
	}
	return n
}

// Owned reports whether port is held by a tracked (non-Dead) worker.
// This satisfies port.Owned and is how the allocator consults the
// registry without the registry importing the port package.
func (r *Registry) Owned(p int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[p]
	return ok
}

// Reap kills and marks Dead two kinds of stuck worker: Ready workers
// that fail a busy probe with Unreachable, and Starting workers that
// have held that state longer than their SpawnTimeout — a subprocess
// that launched but never answered /healthcheck and never exited on
// its own, which would otherwise hold its spawning reservation forever
// and silently shrink pool capacity. Exit detection for processes that
// terminate on their own happens immediately, via the spawn goroutine's
// blocking Wait (see spawn.go) rather than here — polling os.Process
// for liveness without Wait is not reliable in Go, and the spec itself
// flags the source's redundant self-scan (§9 design note c) as
// something to avoid reproducing.
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for port, w := range r.workers {
		if w.State == Starting && w.SpawnTimeout > 0 && now.Sub(w.SpawnedAt) > w.SpawnTimeout {
			log.Printf("pool: worker port=%d did not become ready within %s, killing", port, w.SpawnTimeout)
			r.markDeadLocked(port, ReasonSpawnTimeout, true)
		}
	}

	for _, port := range append([]int(nil), r.readyOrder...) {
		w, ok := r.workers[port]
		if !ok || w.State != Ready {
			continue
		}
		if r.probe.Busy(port) == probe.Unreachable {
			r.markDeadLocked(port, ReasonUnresponsive, true)
		}
	}
}

// PromoteReadyStarting probes every Starting worker's /healthcheck and
// promotes the ones that now succeed. It is called at the top of each
// AcquireWorker iteration (§4.5.3a).
func (r *Registry) PromoteReadyStarting() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port, w := range r.workers {
		if w.State != Starting {
			continue
		}
		if r.probe.Ready(port) {
			w.State = Ready
			w.ReadyAt = time.Now()
			r.readyOrder = append(r.readyOrder, port)
			r.spawning = false
		}
	}
}

// AcquireFree scans Ready workers in insertion order and returns the
// first one whose /isbusy probe reports Free. The scan runs entirely
// under the registry lock (§4.5.3b): probes are 1s-bounded and the
// pool is small, so this is an acceptable tradeoff against the extra
// complexity of a split membership/probe lock.
func (r *Registry) AcquireFree() (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, port := range r.readyOrder {
		w, ok := r.workers[port]
		if !ok || w.State != Ready {
			continue
		}
		if r.probe.Busy(port) == probe.Free {
			return w, true
		}
	}
	return nil, false
}

// All returns every tracked (non-Dead) worker, for the dispatcher's
// shutdown pass. Order is unspecified.
func (r *Registry) All() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// MostRecentlySpawned returns the non-Dead worker with the latest
// SpawnedAt, used by cap enforcement to pick an eviction candidate.
func (r *Registry) MostRecentlySpawned() (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *Worker
	for _, w := range r.workers {
		if newest == nil || w.SpawnedAt.After(newest.SpawnedAt) {
			newest = w
		}
	}
	return newest, newest != nil
}

// Get returns the worker for a port, if tracked.
func (r *Registry) Get(port int) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[port]
	return w, ok
}

// StateCounts returns the number of tracked workers in Starting and
// Ready, for periodic metrics snapshotting. Dead workers are removed
// from the registry the moment they transition, so there is never a
// persisted Dead count to report here.
func (r *Registry) StateCounts() (starting, ready int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		switch w.State {
		case Starting:
			starting++
		case Ready:
			ready++
		}
	}
	return starting, ready
}

// String summarizes pool composition as Starting and Ready counts.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	starting, ready := 0, 0
	for _, w := range r.workers {
		switch w.State {
		case Starting:
			starting++
		case Ready:
			ready++
		}
	}
	return fmt.Sprintf("pool{starting=%d ready=%d}", starting, ready)
}
