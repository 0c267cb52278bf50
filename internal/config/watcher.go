// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher reloads one config file on change and delivers the parsed result.
// A file that fails to parse is logged and dropped; subscribers keep the
// last good config.
//
// The parent directory is watched rather than the file itself: editors and
// configuration management tools replace files by rename, which would
// silently detach a watch on the file's inode.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  logr.Logger
	updates chan File
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(path string, logger logr.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			logger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		watcher: watcher,
		logger:  logger.WithName("config.watcher"),
		updates: make(chan File, 1),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Updates delivers each successfully reloaded config. The channel holds one
// pending update; rapid successive writes collapse to the newest.
func (w *Watcher) Updates() <-chan File {
	return w.updates
}

func (w *Watcher) Close() error {
	close(w.done)
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	f, err := Load(w.path)
	if err != nil {
		w.logger.Error(err, "failed to reload config file", "path", w.path)
		return
	}

	// Collapse to the newest pending update: drop the stale one if the
	// consumer has not caught up.
	select {
	case w.updates <- f:
		return
	default:
	}
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- f:
	default:
	}
}
