package pool

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/probe"
)

// fakeWorker starts an httptest server on an ephemeral port implementing
// /healthcheck and /isbusy, standing in for a geometry worker.
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

func TestRegistryPromoteAndAcquireFree(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()
	port := fw.port(t)

	reg := New(probe.New(), nil)
	reg.AddStarting(&Worker{Port: port})

	reg.PromoteReadyStarting()
	if got := reg.SnapshotReady(); len(got) != 1 {
		t.Fatalf("expected 1 ready worker, got %d", len(got))
	}

	w, ok := reg.AcquireFree()
	if !ok {
		t.Fatal("expected AcquireFree to find the free worker")
	}
	if w.Port != port {
		t.Fatalf("AcquireFree returned port %d, want %d", w.Port, port)
	}
}

func TestRegistryAcquireFreeSkipsBusy(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()
	fw.busy = 1
	port := fw.port(t)

	reg := New(probe.New(), nil)
	reg.AddStarting(&Worker{Port: port})
	reg.PromoteReadyStarting()

	if _, ok := reg.AcquireFree(); ok {
		t.Fatal("expected AcquireFree to find no free worker while busy")
	}
}

func TestRegistryReapDemotesUnreachable(t *testing.T) {
	fw := newFakeWorker(t)
	port := fw.port(t)

	var reaped []ReapReason
	reg := New(probe.New(), func(_ int, reason ReapReason) {
		reaped = append(reaped, reason)
	})
	reg.AddStarting(&Worker{Port: port})
	reg.PromoteReadyStarting()

	fw.Close() // now unreachable

	reg.Reap()

	if len(reg.SnapshotReady()) != 0 {
		t.Fatal("expected worker to be demoted from Ready after Reap")
	}
	if len(reaped) != 1 || reaped[0] != ReasonUnresponsive {
		t.Fatalf("onReap callbacks = %v, want [unresponsive]", reaped)
	}
}

func TestReapKillsStuckStartingWorker(t *testing.T) {
	var reaped []ReapReason
	reg := New(probe.New(), func(_ int, reason ReapReason) {
		reaped = append(reaped, reason)
	})

	if !reg.TryBeginSpawn(1) {
		t.Fatal("expected the reservation to succeed")
	}
	w := &Worker{Port: 1, SpawnTimeout: time.Millisecond}
	reg.AddStarting(w)
	w.SpawnedAt = time.Now().Add(-time.Hour) // simulate a worker stuck in Starting well past its budget

	reg.Reap()

	if got := reg.CountNonDead(); got != 0 {
		t.Fatalf("expected the stuck worker to be reaped, CountNonDead = %d", got)
	}
	if len(reaped) != 1 || reaped[0] != ReasonSpawnTimeout {
		t.Fatalf("onReap callbacks = %v, want [spawn_timeout]", reaped)
	}
	if !reg.TryBeginSpawn(1) {
		t.Fatal("expected the timeout reap to release the spawning reservation")
	}
}

func TestReapLeavesFreshStartingWorkerAlone(t *testing.T) {
	reg := New(probe.New(), nil)
	reg.AddStarting(&Worker{Port: 1, SpawnTimeout: time.Hour})

	reg.Reap()

	if got := reg.CountNonDead(); got != 1 {
		t.Fatalf("expected the fresh Starting worker to survive Reap, CountNonDead = %d", got)
	}
}

func TestReapIgnoresStartingWorkerWithNoTimeoutConfigured(t *testing.T) {
	reg := New(probe.New(), nil)
	w := &Worker{Port: 1}
	reg.AddStarting(w)
	w.SpawnedAt = time.Now().Add(-time.Hour) // zero SpawnTimeout means no deadline, however stale

	reg.Reap()

	if got := reg.CountNonDead(); got != 1 {
		t.Fatalf("expected a Starting worker with no SpawnTimeout to survive Reap, CountNonDead = %d", got)
	}
}

func TestTryBeginSpawnSerializesAgainstItself(t *testing.T) {
	reg := New(probe.New(), nil)

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected the first reservation to succeed")
	}
	if reg.TryBeginSpawn(2) {
		t.Fatal("expected a second concurrent reservation to be refused")
	}

	reg.EndSpawn()

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected a reservation to succeed again after EndSpawn")
	}
}

func TestTryBeginSpawnRefusesAtCap(t *testing.T) {
	reg := New(probe.New(), nil)
	reg.AddStarting(&Worker{Port: 1})
	reg.PromoteToReady(1)

	if reg.TryBeginSpawn(1) {
		t.Fatal("expected TryBeginSpawn to refuse once the pool is at cap")
	}
}

func TestTryBeginSpawnReservationReleasedByPromotion(t *testing.T) {
	reg := New(probe.New(), nil)

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected the reservation to succeed")
	}
	reg.AddStarting(&Worker{Port: 1})

	if reg.TryBeginSpawn(2) {
		t.Fatal("expected a second reservation to be refused while port 1 is Starting")
	}

	reg.PromoteToReady(1)

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected the reservation to be available again once port 1 is Ready")
	}
}

func TestTryBeginSpawnReservationReleasedByDeath(t *testing.T) {
	reg := New(probe.New(), nil)

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected the reservation to succeed")
	}
	reg.AddStarting(&Worker{Port: 1})
	reg.MarkDead(1, ReasonExited, false)

	if !reg.TryBeginSpawn(2) {
		t.Fatal("expected the reservation to be released once the Starting worker died")
	}
}

func TestRegistryCapEnforcementHelpers(t *testing.T) {
	reg := New(probe.New(), nil)
	reg.AddStarting(&Worker{Port: 1})
	reg.AddStarting(&Worker{Port: 2})

	if got := reg.CountNonDead(); got != 2 {
		t.Fatalf("CountNonDead = %d, want 2", got)
	}
	if got := reg.CountStarting(); got != 2 {
		t.Fatalf("CountStarting = %d, want 2", got)
	}

	reg.MarkDead(1, ReasonCap, false)
	if got := reg.CountNonDead(); got != 1 {
		t.Fatalf("CountNonDead after MarkDead = %d, want 1", got)
	}
	if reg.Owned(1) {
		t.Fatal("expected port 1 to no longer be owned")
	}
	if !reg.Owned(2) {
		t.Fatal("expected port 2 to still be owned")
	}
}
