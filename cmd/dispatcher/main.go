package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mcneel/compute-dispatcher/internal/activity"
	"github.com/mcneel/compute-dispatcher/internal/config"
	"github.com/mcneel/compute-dispatcher/internal/execwatch"
	"github.com/mcneel/compute-dispatcher/internal/frontend"
	"github.com/mcneel/compute-dispatcher/internal/lifecycle"
	"github.com/mcneel/compute-dispatcher/internal/metrics"
	"github.com/mcneel/compute-dispatcher/internal/pool"
	"github.com/mcneel/compute-dispatcher/internal/port"
	"github.com/mcneel/compute-dispatcher/internal/probe"
	"github.com/mcneel/compute-dispatcher/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config/dispatcher.yaml", "Path to config file")
	quiet := flag.Bool("quiet", false, "Suppress log output to stdout/stderr")
	flag.Parse()

	if *quiet {
		log.SetOutput(io.Discard)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	configFile := filepath.Join(projectRoot, *configPath)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if !*quiet && cfg.Server.LogFile != "" && cfg.Server.LogFile != "~" {
		setUpLogFile(projectRoot, cfg.Server.LogFile)
	}

	log.Printf("compute dispatcher starting...")
	log.Printf("project root: %s", projectRoot)
	log.Printf("config file: %s", configFile)
	log.Printf("listening on port: %d, worker cap: %d, worker ports: %d-%d",
		cfg.Server.Port, cfg.Workers.SpawnCount, cfg.Workers.PortRangeStart, cfg.Workers.PortRangeEnd)

	locator, err := execwatch.New(cfg.ExecDir)
	if err != nil {
		log.Fatalf("Failed to initialize executable locator: %v", err)
	}
	if _, err := locator.Path(); err != nil {
		log.Printf("warning: worker executable not found yet, watching for it: %v", err)
		if err := locator.Watch(); err != nil {
			log.Printf("warning: could not start executable watcher: %v", err)
		}
	}

	m := metrics.New()
	clock := activity.New()

	onReap := func(p int, reason pool.ReapReason) {
		m.ReapsTotal.WithLabelValues(string(reason)).Inc()
		if reason == pool.ReasonSpawnTimeout {
			m.SpawnTimeouts.Inc()
		}
	}
	probeClient := probe.New(probe.WithFailureHook(func(kind string) {
		m.ProbeFailures.WithLabelValues(kind).Inc()
	}))
	registry := pool.New(probeClient, onReap)
	allocator := port.New(cfg.Workers.PortRangeStart, cfg.Workers.PortRangeEnd)
	spawner := pool.NewSpawner(registry, allocator, probeClient)

	workerLogDir := filepath.Dir(filepath.Join(projectRoot, filepath.FromSlash(cfg.Workers.LogFile)))

	spawnOne := func(wait bool) error {
		execPath, err := locator.Path()
		if err != nil {
			return fmt.Errorf("cannot spawn worker: %w", err)
		}
		m.SpawnsTotal.Inc()
		_, err = spawner.Spawn(pool.SpawnConfig{
			ExecutablePath: execPath,
			ParentPID:      os.Getpid(),
			RhinoSysDir:    cfg.Workers.RhinoSysDir,
			ParentPort:     cfg.Workers.ParentPort,
			ChildIdleSpan:  cfg.ChildIdleSpan(),
			SpawnTimeout:   cfg.SpawnTimeout(),
			LogDir:         workerLogDir,
		}, wait)
		return err
	}
	nonBlockingSpawn := func() error { return spawnOne(false) }

	lc := lifecycle.New(registry, nonBlockingSpawn, cfg.Workers.SpawnCount, cfg.Workers.SpawnOnStartup,
		cfg.ReapInterval(), func(starting, ready int) { m.SetPoolComposition(starting, ready, 0) })
	if err := lc.StartupSpawn(func() error { return spawnOne(true) }); err != nil {
		log.Printf("warning: startup spawn failed: %v", err)
	}

	sched := scheduler.New(registry, func() error {
		lc.MarkUsed()
		return nonBlockingSpawn()
	}, clock, cfg.Workers.SpawnCount, cfg.AcquireTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lc.Run(ctx)

	acquire := func(ctx context.Context) (string, int, error) {
		if _, err := locator.Path(); err != nil {
			return "", 0, err
		}
		w, err := sched.AcquireWorker(ctx)
		if err != nil {
			return "", 0, err
		}
		return "localhost", w.Port, nil
	}

	fe := frontend.New(frontend.Config{
		PublicAddr:     fmt.Sprintf(":%d", cfg.Server.Port),
		ParentPort:     cfg.Workers.ParentPort,
		APIKey:         cfg.APIKey(),
		ProxyTimeout:   cfg.ProxyTimeout(),
		MaxRequestSize: cfg.MaxRequestSize(),
		ReadTimeout:    cfg.GetReadTimeout(),
		WriteTimeout:   cfg.GetWriteTimeout(),
		IdleTimeout:    cfg.GetIdleTimeout(),
	}, acquire, m, clock)

	go func() {
		if err := fe.Start(); err != nil {
			log.Fatalf("Failed to start front door: %v", err)
		}
	}()

	log.Printf("compute dispatcher ready on http://localhost:%d", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	fe.Stop(shutdownCtx)
	lc.Stop()
	locator.Close()
	for _, w := range registry.All() {
		registry.MarkDead(w.Port, pool.ReasonShutdown, true)
	}

	log.Println("goodbye")
}

func setUpLogFile(projectRoot, logFile string) {
	dateStr := time.Now().Format("2006-01-02")
	logFilePath := filepath.Join(projectRoot, filepath.FromSlash(logFile))
	logFilePath = filepath.Clean(strings.ReplaceAll(logFilePath, "{date}", dateStr))

	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("dispatcher logging to: %s", logFilePath)
}
