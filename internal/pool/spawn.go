package pool

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/port"
	"github.com/mcneel/compute-dispatcher/internal/probe"
)

// ErrSpawnTimeout is returned when a spawned worker does not become
// ready within the configured budget. The subprocess is killed and
// the port released before this error is returned.
var ErrSpawnTimeout = errors.New("pool: worker did not become ready in time")

// SpawnConfig carries everything Spawner needs to construct a worker
// command line and capture its output, without this package knowing
// about the dispatcher's config package.
type SpawnConfig struct {
	ExecutablePath string
	ParentPID      int
	RhinoSysDir    string
	ParentPort     int
	ChildIdleSpan  time.Duration
	SpawnTimeout   time.Duration
	LogDir         string // empty disables per-worker log files
}

// Spawner launches geometry worker subprocesses and tracks them in a
// Registry.
type Spawner struct {
	registry  *Registry
	allocator *port.Allocator
	probe     *probe.Client
}

// NewSpawner creates a Spawner over the given registry.
func NewSpawner(registry *Registry, allocator *port.Allocator, p *probe.Client) *Spawner {
	return &Spawner{registry: registry, allocator: allocator, probe: p}
}

// Spawn allocates a port, starts the worker subprocess, and — when
// waitUntilReady is true — blocks polling /healthcheck every 500ms
// until it succeeds or SpawnTimeout elapses. On a timeout the
// subprocess is killed and ErrSpawnTimeout is returned. When
// waitUntilReady is false the call returns immediately with the new
// worker in the Starting state; the caller (or the next scheduler
// iteration, via PromoteReadyStarting) is responsible for noticing
// readiness later, and SpawnTimeout is instead enforced by
// Registry.Reap against the worker's SpawnedAt, so a subprocess that
// never answers /healthcheck and never exits is still eventually
// killed.
func (s *Spawner) Spawn(cfg SpawnConfig, waitUntilReady bool) (*Worker, error) {
	p, err := s.allocator.Next(s.registry.Owned)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	cmd, logFile, err := buildCommand(cfg, p)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("spawn: failed to start worker on port %d: %w", p, err)
	}

	w := &Worker{Port: p, Process: cmd.Process, logFile: logFile, SpawnTimeout: cfg.SpawnTimeout}
	s.registry.AddStarting(w)

	log.Printf("pool: spawned worker pid=%d port=%d", cmd.Process.Pid, p)

	go s.watch(cmd, w)

	if !waitUntilReady {
		return w, nil
	}

	deadline := time.Now().Add(cfg.SpawnTimeout)
	for time.Now().Before(deadline) {
		if s.probe.Ready(p) {
			s.registry.PromoteToReady(p)
			return w, nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	log.Printf("pool: worker port=%d did not become ready within %s, killing", p, cfg.SpawnTimeout)
	s.registry.MarkDead(p, ReasonSpawnTimeout, true)
	return nil, ErrSpawnTimeout
}

// watch blocks on the subprocess's exit and marks the worker Dead the
// moment it happens, instead of relying on a polling liveness check
// (the spec's §9 design note flags the source's self-scanning
// liveness check as an anti-pattern to avoid).
func (s *Spawner) watch(cmd *exec.Cmd, w *Worker) {
	err := cmd.Wait()
	if err != nil {
		log.Printf("pool: worker pid=%d port=%d exited: %v", w.Process.Pid, w.Port, err)
	} else {
		log.Printf("pool: worker pid=%d port=%d exited cleanly", w.Process.Pid, w.Port)
	}
	s.registry.MarkDead(w.Port, ReasonExited, false)
}

// buildCommand constructs the bit-exact command line described in
// §6 of the spec: -port:<int> -childof:<pid>, then optionally
// -rhinosysdir "<path>", then -parentport:<int> -idlespan:<seconds>
// together when a parent port is configured and the idle span
// exceeds 1s.
func buildCommand(cfg SpawnConfig, p int) (*exec.Cmd, *os.File, error) {
	if cfg.ExecutablePath == "" {
		return nil, nil, fmt.Errorf("no worker executable resolved")
	}

	args := []string{
		fmt.Sprintf("-port:%d", p),
		fmt.Sprintf("-childof:%d", cfg.ParentPID),
	}
	if cfg.RhinoSysDir != "" {
		args = append(args, "-rhinosysdir", cfg.RhinoSysDir)
	}
	if cfg.ParentPort > 0 && cfg.ChildIdleSpan > time.Second {
		args = append(args,
			fmt.Sprintf("-parentport:%d", cfg.ParentPort),
			fmt.Sprintf("-idlespan:%d", int(cfg.ChildIdleSpan.Seconds())),
		)
	}

	cmd := exec.Command(cfg.ExecutablePath, args...)

	logFile, err := openLogFile(cfg.LogDir, p)
	if err != nil {
		return nil, nil, err
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	return cmd, logFile, nil
}

// openLogFile mirrors the ambient stack's {date}-templated worker log
// files, scoped per port since geometry workers have no stable name.
func openLogFile(dir string, p int) (*os.File, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worker log directory: %w", err)
	}
	name := strings.ReplaceAll("worker_{port}_{date}.log", "{port}", strconv.Itoa(p))
	name = strings.ReplaceAll(name, "{date}", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker log file: %w", err)
	}
	return f, nil
}
