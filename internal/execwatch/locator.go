// Package execwatch resolves the geometry worker executable path and
// watches its candidate directories so a binary dropped in after
// startup is picked up without a dispatcher restart.
package execwatch

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned by Path when no candidate directory yet
// contains the worker executable.
var ErrNotFound = errors.New("execwatch: worker executable not found")

const dirName = "compute.geometry"

func binaryName() string {
	if runtime.GOOS == "windows" {
		return dirName + ".exe"
	}
	return dirName
}

// Locator resolves and caches the worker executable's path, watching
// its candidate directories for the binary appearing later.
type Locator struct {
	candidates []string

	resolved atomic.Value // string, empty means unresolved

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New creates a Locator. If overrideDir is non-empty
// (Config.ExecDir), it becomes the sole candidate directory, bypassing
// auto-discovery entirely — for operators whose worker executable
// doesn't live in one of the two standard locations. Otherwise the
// two standard candidates are used: a sibling of the dispatcher's own
// executable, and a child of the working directory, both named
// "compute.geometry".
func New(overrideDir string) (*Locator, error) {
	var candidates []string

	if overrideDir != "" {
		candidates = append(candidates, overrideDir)
	} else {
		if exe, err := os.Executable(); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(exe), dirName))
		}
		if wd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(wd, dirName))
		}
	}

	l := &Locator{candidates: candidates, stop: make(chan struct{})}
	l.resolved.Store("")
	l.tryResolve()
	return l, nil
}

// Path returns the resolved worker executable path, or ErrNotFound if
// nothing has resolved yet.
func (l *Locator) Path() (string, error) {
	if p, _ := l.resolved.Load().(string); p != "" {
		return p, nil
	}
	return "", ErrNotFound
}

func (l *Locator) tryResolve() bool {
	for _, dir := range l.candidates {
		candidate := filepath.Join(dir, binaryName())
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			l.resolved.Store(candidate)
			log.Printf("execwatch: resolved worker executable at %s", candidate)
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watch over every candidate directory (or
// its parent, in case the directory itself doesn't exist yet, adding
// the directory to the watch once it is created) and re-resolves on
// every create/write event, without debouncing. It is a no-op once
// the executable is already resolved.
func (l *Locator) Watch() error {
	if _, err := l.Path(); err == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, dir := range l.candidates {
		target := dir
		if _, err := os.Stat(target); err != nil {
			target = filepath.Dir(dir)
		}
		if err := w.Add(target); err != nil {
			log.Printf("execwatch: could not watch %s: %v", target, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return errors.New("execwatch: no candidate directory could be watched")
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watchLoop(w)
	return nil
}

func (l *Locator) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				for _, dir := range l.candidates {
					if event.Name == filepath.Clean(dir) {
						if err := w.Add(dir); err != nil {
							log.Printf("execwatch: could not watch %s: %v", dir, err)
						}
					}
				}
			}
			if l.tryResolve() {
				w.Close()
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("execwatch: watch error: %v", err)
		case <-l.stop:
			return
		}
	}
}

// Close stops the watcher, if running.
func (l *Locator) Close() {
	close(l.stop)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		l.watcher.Close()
	}
}
