package scheduler

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/activity"
	"github.com/mcneel/compute-dispatcher/internal/pool"
	"github.com/mcneel/compute-dispatcher/internal/probe"
)

// fakeWorker stands in for a geometry worker's HTTP control surface.
type fakeWorker struct {
	srv  *httptest.Server
	busy int32
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/isbusy", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strconv.Itoa(int(fw.busy))))
	})
	fw.srv = httptest.NewServer(mux)
	return fw
}

func (fw *fakeWorker) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(fw.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}
	return p
}

func (fw *fakeWorker) Close() { fw.srv.Close() }

func TestAcquireWorkerReturnsAlreadyFreeWorker(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	reg := pool.New(probe.New(), nil)
	reg.AddStarting(&pool.Worker{Port: fw.port(t)})
	reg.PromoteReadyStarting()

	spawnCalls := 0
	sched := New(reg, func() error { spawnCalls++; return nil }, activity.New(), 1, time.Second)

	w, err := sched.AcquireWorker(context.Background())
	if err != nil {
		t.Fatalf("AcquireWorker: %v", err)
	}
	if w.Port != fw.port(t) {
		t.Fatalf("got port %d, want %d", w.Port, fw.port(t))
	}
	if spawnCalls != 0 {
		t.Fatalf("expected no spawn when a worker is already free, got %d calls", spawnCalls)
	}
}

func TestAcquireWorkerSpawnsUpToCapThenSucceeds(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	reg := pool.New(probe.New(), nil)

	spawned := false
	spawn := func() error {
		if spawned {
			return nil
		}
		spawned = true
		reg.AddStarting(&pool.Worker{Port: fw.port(t)})
		return nil
	}
	sched := New(reg, spawn, activity.New(), 1, time.Second)

	w, err := sched.AcquireWorker(context.Background())
	if err != nil {
		t.Fatalf("AcquireWorker: %v", err)
	}
	if w.Port != fw.port(t) {
		t.Fatalf("got port %d, want %d", w.Port, fw.port(t))
	}
}

func TestAcquireWorkerReapsHungStartingWorkerAndRespawns(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	reg := pool.New(probe.New(), nil)

	// Port 1 stands in for a subprocess that launched but never
	// answered /healthcheck and never exited, well past its spawn
	// budget: a wedged worker that would otherwise hold the spawning
	// reservation forever and drop pool capacity by one permanently.
	if !reg.TryBeginSpawn(1) {
		t.Fatal("expected the reservation to succeed")
	}
	hung := &pool.Worker{Port: 1, SpawnTimeout: time.Millisecond}
	reg.AddStarting(hung)
	hung.SpawnedAt = time.Now().Add(-time.Hour)

	spawned := false
	spawn := func() error {
		if spawned {
			return nil
		}
		spawned = true
		reg.AddStarting(&pool.Worker{Port: fw.port(t)})
		return nil
	}
	sched := New(reg, spawn, activity.New(), 1, time.Second)

	w, err := sched.AcquireWorker(context.Background())
	if err != nil {
		t.Fatalf("AcquireWorker: %v", err)
	}
	if w.Port != fw.port(t) {
		t.Fatalf("got port %d, want %d", w.Port, fw.port(t))
	}
}

func TestAcquireWorkerRespectsCapAndTimesOutViaContext(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()
	fw.busy = 1 // permanently busy

	reg := pool.New(probe.New(), nil)
	reg.AddStarting(&pool.Worker{Port: fw.port(t)})
	reg.PromoteReadyStarting()

	spawnCalls := 0
	sched := New(reg, func() error { spawnCalls++; return nil }, activity.New(), 1, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sched.AcquireWorker(ctx)
	if err == nil {
		t.Fatal("expected an error when the only worker is busy and the cap is reached")
	}
	if spawnCalls != 0 {
		t.Fatalf("expected no spawn once cap is reached, got %d calls", spawnCalls)
	}
}
