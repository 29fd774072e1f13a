// Package watch monitors the outputs tree so artifact files written by the
// compute worker show up on the event stream as soon as they hit disk.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"geoclip/internal/events"
	"geoclip/internal/fsutil"
)

// OutputWatcher publishes artifact-created events for raster files appearing
// under the outputs root. Job output directories are created after the
// watcher starts, so new subdirectories are added to the watch set on the fly.
type OutputWatcher struct {
	watcher *fsnotify.Watcher
	hub     *events.Hub
	root    string
	log     *slog.Logger
	done    chan struct{}
}

// NewOutputWatcher creates a watcher over root.
func NewOutputWatcher(root string, hub *events.Hub, log *slog.Logger) (*OutputWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &OutputWatcher{
		watcher: watcher,
		hub:     hub,
		root:    root,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring; existing job directories are picked up too.
func (ow *OutputWatcher) Start() error {
	if err := ow.watcher.Add(ow.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(ow.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := ow.watcher.Add(filepath.Join(ow.root, e.Name())); err != nil {
				ow.log.Warn("cannot watch job directory", "dir", e.Name(), "error", err)
			}
		}
	}

	go ow.processEvents()
	ow.log.Info("watching outputs", "root", ow.root)
	return nil
}

// Stop stops the watcher.
func (ow *OutputWatcher) Stop() error {
	close(ow.done)
	return ow.watcher.Close()
}

func (ow *OutputWatcher) processEvents() {
	for {
		select {
		case <-ow.done:
			return
		case event, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			st, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if st.IsDir() {
				if err := ow.watcher.Add(event.Name); err != nil {
					ow.log.Warn("cannot watch job directory", "dir", event.Name, "error", err)
				}
				continue
			}
			if !fsutil.IsRasterFile(event.Name) {
				continue
			}
			ow.hub.Publish(events.Event{
				Type: "artifact",
				Path: event.Name,
			})
		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			ow.log.Warn("output watcher error", "error", err)
		}
	}
}
