// Package control lets an operator steer a running plan from outside the
// process by dropping signal files into a watched directory: "stop" cancels
// the run, "pause" turns edit mode on, "resume" turns it back off.
package control

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
)

const pollInterval = 2 * time.Second

// Watcher monitors a signals directory for control files. Signal files are
// consumed: each one is removed after it takes effect.
type Watcher struct {
	dir    string
	graph  *graph.Graph
	cancel context.CancelFunc
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a watcher over dir. The directory is created if missing.
// When fsnotify is unavailable the watcher falls back to polling.
func New(dir string, g *graph.Graph, cancel context.CancelFunc, log zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:    dir,
		graph:  g,
		cancel: cancel,
		log:    log.With().Str("component", "control").Logger(),
		done:   make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fw.Add(dir); err != nil {
			fw.Close()
		} else {
			w.watcher = fw
		}
	}
	go w.run()
	return w, nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) run() {
	// The poll ticker also covers signal files written before the watch
	// started.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.sweep()
	for {
		if w.watcher != nil {
			select {
			case <-w.done:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					w.handle(filepath.Base(event.Name))
				}
			case err, ok := <-w.watcher.Errors:
				if ok && err != nil {
					w.log.Debug().Err(err).Msg("signal watcher error")
				}
			case <-ticker.C:
				w.sweep()
			}
			continue
		}
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep processes any signal files already present.
func (w *Watcher) sweep() {
	for _, name := range []string{"stop", "pause", "resume"} {
		if _, err := os.Stat(filepath.Join(w.dir, name)); err == nil {
			w.handle(name)
		}
	}
}

func (w *Watcher) handle(name string) {
	switch name {
	case "stop":
		w.log.Info().Msg("stop signal received")
		w.consume(name)
		w.cancel()
	case "pause":
		if !w.graph.EditMode().Enabled {
			w.graph.ToggleEditMode("signal")
			w.log.Info().Msg("pause signal received; edit mode on")
		}
		w.consume(name)
	case "resume":
		if w.graph.EditMode().Enabled {
			w.graph.ToggleEditMode("signal")
			w.log.Info().Msg("resume signal received; edit mode off")
		}
		w.consume(name)
	}
}

func (w *Watcher) consume(name string) {
	if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
		w.log.Debug().Str("signal", name).Err(err).Msg("could not remove signal file")
	}
}
