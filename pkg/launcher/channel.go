package launcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SignalKind distinguishes the two deployment signals
type SignalKind int

const (
	SignalReady SignalKind = iota
	SignalFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalReady:
		return "ready"
	case SignalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Signal is a deployment signal sent by the child process
type Signal struct {
	Kind  SignalKind
	Cause string
}

// Default markers recognised by StreamChannel
const (
	DefaultReadyMarker   = "PRISM-DEPLOYED"
	DefaultFailureMarker = "PRISM-DEPLOY-FAILED:"
)

// ControlChannel is the side channel a child uses to report deployment
type ControlChannel interface {
	// Open starts observing a child rooted at workDir. notify is called for
	// every signal, possibly from another goroutine.
	Open(workDir string, notify func(Signal)) (Watch, error)
}

// Watch observes one child process
type Watch interface {
	// Observe is fed every line the child writes to stdout or stderr
	Observe(line string)

	// Close stops observing. Signals pending at Close are still delivered.
	Close() error
}

// StreamChannel detects signals as marker lines on the child's output
type StreamChannel struct {
	ReadyMarker   string
	FailureMarker string
}

// Open implements ControlChannel
func (c StreamChannel) Open(_ string, notify func(Signal)) (Watch, error) {
	w := &streamWatch{
		ready:   c.ReadyMarker,
		failure: c.FailureMarker,
		notify:  notify,
	}
	if w.ready == "" {
		w.ready = DefaultReadyMarker
	}
	if w.failure == "" {
		w.failure = DefaultFailureMarker
	}
	return w, nil
}

type streamWatch struct {
	ready   string
	failure string
	notify  func(Signal)
}

func (w *streamWatch) Observe(line string) {
	if idx := strings.Index(line, w.failure); idx >= 0 {
		cause := strings.TrimSpace(line[idx+len(w.failure):])
		if cause == "" {
			cause = "deployment failed"
		}
		w.notify(Signal{Kind: SignalFailed, Cause: cause})
		return
	}
	if strings.Contains(line, w.ready) {
		w.notify(Signal{Kind: SignalReady})
	}
}

func (w *streamWatch) Close() error { return nil }

// DefaultStatusFile is the FileChannel status file name
const DefaultStatusFile = ".prism-deploy-status"

// FileChannel detects signals through a status file in the child's working
// directory. The child writes "DEPLOYED" or "FAILED: <cause>".
type FileChannel struct {
	// Name of the status file, relative to the working directory
	Name string

	Logger *slog.Logger
}

// Open implements ControlChannel
func (c FileChannel) Open(workDir string, notify func(Signal)) (Watch, error) {
	name := c.Name
	if name == "" {
		name = DefaultStatusFile
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := filepath.Join(workDir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clear stale status file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create status watcher: %w", err)
	}
	if err := watcher.Add(workDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", workDir, err)
	}

	w := &fileWatch{
		path:    path,
		watcher: watcher,
		notify:  notify,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

type fileWatch struct {
	path    string
	watcher *fsnotify.Watcher
	notify  func(Signal)
	logger  *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	last      string
	closeOnce sync.Once
}

func (w *fileWatch) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.check()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("status watcher error", "path", w.path, "error", err)
		}
	}
}

// check reads the status file and reports a signal when its content changed
func (w *fileWatch) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	status := strings.TrimSpace(string(data))

	w.mu.Lock()
	if status == "" || status == w.last {
		w.mu.Unlock()
		return
	}
	w.last = status
	w.mu.Unlock()

	switch {
	case status == "DEPLOYED":
		w.notify(Signal{Kind: SignalReady})
	case strings.HasPrefix(status, "FAILED"):
		cause := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(status, "FAILED"), ":"))
		if cause == "" {
			cause = "deployment failed"
		}
		w.notify(Signal{Kind: SignalFailed, Cause: cause})
	default:
		w.logger.Debug("ignoring unrecognised status", "path", w.path, "status", status)
	}
}

func (w *fileWatch) Observe(string) {}

func (w *fileWatch) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
		// Pick up a status written just before the child exited
		w.check()
	})
	return err
}
