// Package control translates drop files in a control directory into
// scheduler commands: pause, resume, and per-task cancellation.
package control

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Scheduler is the slice of the scheduling engine the watcher drives.
type Scheduler interface {
	Pause()
	Resume()
	Cancel(taskID string) error
}

// Watcher monitors a control directory for signal files. Creating
// `pause` pauses dispatch, `resume` resumes it, and `cancel-<task_id>`
// cancels one task. Consumed files are removed.
type Watcher struct {
	dir       string
	scheduler Scheduler

	mu     sync.Mutex
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates the control directory if needed and starts
// watching it. A failure to establish the fsnotify watch falls back to
// Sweep-only operation.
func NewWatcher(dir string, sched Scheduler) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:       dir,
		scheduler: sched,
		done:      make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.watch()

	// Pick up files dropped before the watch existed.
	w.Sweep()
	return w, nil
}

// watch consumes fsnotify events until Close.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handle(filepath.Base(event.Name))
		case <-w.watcher.Errors:
			// Keep watching; Sweep covers missed events.
		}
	}
}

// Sweep processes every signal file currently in the directory. It is
// the polling fallback for environments where fsnotify is unreliable.
func (w *Watcher) Sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.handle(entry.Name())
	}
}

// RunSweeper calls Sweep on an interval until Close.
func (w *Watcher) RunSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

func (w *Watcher) handle(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	switch {
	case name == "pause":
		w.scheduler.Pause()
	case name == "resume":
		w.scheduler.Resume()
	case strings.HasPrefix(name, "cancel-"):
		taskID := strings.TrimPrefix(name, "cancel-")
		if taskID == "" {
			return
		}
		// Unknown or already-terminal tasks are fine to ignore: the
		// file may be a duplicate of an earlier signal.
		_ = w.scheduler.Cancel(taskID)
	default:
		return
	}
	os.Remove(filepath.Join(w.dir, name))
}

// Dir returns the watched control directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// SignalPause drops a pause file into the control directory.
func SignalPause(dir string) error {
	return writeSignal(dir, "pause")
}

// SignalResume drops a resume file into the control directory.
func SignalResume(dir string) error {
	return writeSignal(dir, "resume")
}

// SignalCancel drops a cancel file for one task.
func SignalCancel(dir, taskID string) error {
	return writeSignal(dir, "cancel-"+taskID)
}

func writeSignal(dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
