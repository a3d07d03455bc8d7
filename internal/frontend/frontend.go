// Package frontend implements the dispatcher's own HTTP surface: the
// public listener that authenticates, bounds body size, acquires a
// worker, and reverse-proxies; and a loopback listener exposing
// IdleSeconds() for workers to poll.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcneel/compute-dispatcher/internal/activity"
	"github.com/mcneel/compute-dispatcher/internal/execwatch"
	"github.com/mcneel/compute-dispatcher/internal/metrics"
	"github.com/mcneel/compute-dispatcher/internal/scheduler"
)

// AcquireFunc matches Scheduler.AcquireWorker's signature without the
// frontend depending on the pool package's Worker type directly.
type AcquireFunc func(ctx context.Context) (host string, port int, err error)

// Frontend owns the dispatcher's public and loopback HTTP servers.
type Frontend struct {
	apiKey         string
	proxyTimeout   time.Duration
	maxRequestSize int64

	acquire AcquireFunc
	metrics *metrics.Metrics
	clock   *activity.Clock

	public   *http.Server
	loopback *http.Server
}

// Config carries the operator-facing knobs documented in §6.
type Config struct {
	PublicAddr     string // e.g. ":5001"
	ParentPort     int
	APIKey         string
	ProxyTimeout   time.Duration
	MaxRequestSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// New creates a Frontend. acquire is typically scheduler.Scheduler.AcquireWorker
// adapted to AcquireFunc; m and clock back /metrics and /idleseconds.
func New(cfg Config, acquire AcquireFunc, m *metrics.Metrics, clock *activity.Clock) *Frontend {
	f := &Frontend{
		apiKey:         cfg.APIKey,
		proxyTimeout:   cfg.ProxyTimeout,
		maxRequestSize: cfg.MaxRequestSize,
		acquire:        acquire,
		metrics:        m,
		clock:          clock,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", f.handleHealthcheck)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", f.handleProxy)

	f.public = &http.Server{
		Addr:         cfg.PublicAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	loopbackMux := http.NewServeMux()
	loopbackMux.HandleFunc("/idleseconds", f.handleIdleSeconds)
	f.loopback = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", cfg.ParentPort),
		Handler: loopbackMux,
	}

	return f
}

// Start begins serving both listeners. It returns as soon as one
// ListenAndServe call fails with an error other than
// http.ErrServerClosed; if the first listener to stop was closed, it
// waits for the other and returns its result. Callers should run it
// in a goroutine.
func (f *Frontend) Start() error {
	errCh := make(chan error, 2)

	go func() {
		log.Printf("frontend: public listener on %s", f.public.Addr)
		errCh <- f.public.ListenAndServe()
	}()
	go func() {
		log.Printf("frontend: loopback idleseconds listener on %s", f.loopback.Addr)
		errCh <- f.loopback.ListenAndServe()
	}()

	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return <-errCh
	}
	return err
}

// Stop gracefully shuts down both listeners within ctx's deadline.
func (f *Frontend) Stop(ctx context.Context) {
	if err := f.public.Shutdown(ctx); err != nil {
		log.Printf("frontend: public listener shutdown: %v", err)
	}
	if err := f.loopback.Shutdown(ctx); err != nil {
		log.Printf("frontend: loopback listener shutdown: %v", err)
	}
}

func (f *Frontend) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *Frontend) handleIdleSeconds(w http.ResponseWriter, r *http.Request) {
	idle := f.clock.IdleSeconds()
	if f.metrics != nil {
		f.metrics.IdleSeconds.Set(float64(idle))
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d", idle)
}

func (f *Frontend) handleProxy(w http.ResponseWriter, r *http.Request) {
	if f.apiKey != "" && r.Header.Get("X-Api-Key") != f.apiKey {
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	if f.maxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, f.maxRequestSize)
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.proxyTimeout)
	defer cancel()

	start := time.Now()
	host, port, err := f.acquire(ctx)
	if f.metrics != nil {
		f.metrics.ObserveAcquire(time.Since(start))
	}
	if err != nil {
		f.handleAcquireError(w, r, err)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://%s:%d", host, port))
	if err != nil {
		log.Printf("frontend: failed to parse worker URL for %s:%d: %v", host, port, err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("frontend: proxy error for %s: %v", r.URL.Path, err)
		http.Error(w, "502 Bad Gateway", http.StatusBadGateway)
	}

	log.Printf("%s %s -> worker %s:%d", r.Method, r.URL.Path, host, port)
	proxy.ServeHTTP(w, r)
}

func (f *Frontend) handleAcquireError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNoWorkerAvailable):
		log.Printf("frontend: no worker available for %s: %v", r.URL.Path, err)
		http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, execwatch.ErrNotFound):
		log.Printf("frontend: worker executable not resolved, rejecting %s", r.URL.Path)
		http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("frontend: acquire failed for %s: %v", r.URL.Path, err)
		http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
	}
}
