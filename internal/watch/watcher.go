// Package watch turns raw filesystem notifications under a local root into
// debounced add/change/unlink events for settled files.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// maxStabilityChecks bounds how often a growing file re-arms its timer.
const maxStabilityChecks = 10

type Op int

const (
	Add Op = iota + 1
	Change
	Unlink
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Change:
		return "change"
	case Unlink:
		return "unlink"
	default:
		return "unknown"
	}
}

type Event struct {
	Op   Op
	Path string
}

type Options struct {
	Root     string
	Debounce time.Duration
	Ignore   *Matcher
	Clock    clockwork.Clock
	Fs       afero.Fs
	Log      *logrus.Entry
}

type pendingEvent struct {
	op     Op
	size   int64
	checks int
	timer  clockwork.Timer
}

type Watcher struct {
	opts   Options
	log    *logrus.Entry
	notify *fsnotify.Watcher

	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool
}

// New starts watching opts.Root and every directory below it that is not ignored.
func New(opts Options) (*Watcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := newWatcher(opts, notify)
	if _, err := w.addTree(w.opts.Root); err != nil {
		if err := notify.Close(); err != nil {
			w.log.WithError(err).Warn("Watch: Failed to close file watcher")
		}
		return nil, err
	}

	go w.loop()
	w.log.Infof("Watch: Watching %s", w.opts.Root)
	return w, nil
}

func newWatcher(opts Options, notify *fsnotify.Watcher) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Ignore == nil {
		opts.Ignore = NewMatcher(nil)
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts.Root = filepath.Clean(opts.Root)

	return &Watcher{
		opts:    opts,
		log:     opts.Log,
		notify:  notify,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		pending: make(map[string]*pendingEvent),
	}
}

// Events delivers settled events until the watcher is closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Done is closed once the watcher stops delivering events.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, pe := range w.pending {
		pe.timer.Stop()
		delete(w.pending, p)
	}
	close(w.done)
	w.mu.Unlock()

	if w.notify != nil {
		return w.notify.Close()
	}
	return nil
}

func (w *Watcher) ignored(p string) bool {
	rel, err := filepath.Rel(w.opts.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	return w.opts.Ignore.Match(rel)
}

// addTree watches dir and its subdirectories and returns the files found
// below it. fsnotify does not watch recursively.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string

	err := afero.Walk(w.opts.Fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.log.WithError(err).Debugf("Watch: Skipping %s", p)
			return nil
		}
		if p != dir && w.ignored(p) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() {
			if info.Mode().IsRegular() {
				files = append(files, p)
			}
			return nil
		}
		if w.notify == nil {
			return nil
		}
		if err := w.notify.Add(p); err != nil {
			return fmt.Errorf("failed to watch %q: %w", p, err)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Watch: Notification error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	p := filepath.Clean(ev.Name)
	if p == w.opts.Root || w.ignored(p) {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.schedule(p, Unlink)

	case ev.Has(fsnotify.Create):
		info, err := w.opts.Fs.Stat(p)
		if err != nil {
			return
		}
		if !info.IsDir() {
			w.schedule(p, Add)
			return
		}
		// Files can land in a new directory before it is watched.
		files, err := w.addTree(p)
		if err != nil {
			w.log.WithError(err).Warnf("Watch: Failed to watch new directory %s", p)
		}
		for _, file := range files {
			w.schedule(file, Add)
		}

	case ev.Has(fsnotify.Write):
		w.schedule(p, Change)
	}
}

func (w *Watcher) sizeOf(p string) int64 {
	info, err := w.opts.Fs.Stat(p)
	if err != nil {
		return -1
	}
	return info.Size()
}

// schedule (re)starts the debounce timer of p. An add followed by changes
// is still reported as an add.
func (w *Watcher) schedule(p string, op Op) {
	size := int64(-1)
	if op != Unlink {
		size = w.sizeOf(p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if pe, ok := w.pending[p]; ok {
		if !(pe.op == Add && op == Change) {
			pe.op = op
		}
		pe.size = size
		pe.checks = 0
		pe.timer.Reset(w.opts.Debounce)
		return
	}

	w.pending[p] = &pendingEvent{
		op:    op,
		size:  size,
		timer: w.opts.Clock.AfterFunc(w.opts.Debounce, func() { w.fire(p) }),
	}
}

func (w *Watcher) fire(p string) {
	w.mu.Lock()
	pe, ok := w.pending[p]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}

	if pe.op != Unlink {
		size := w.sizeOf(p)
		if size < 0 {
			// Gone again; a remove event takes over if there was one.
			delete(w.pending, p)
			w.mu.Unlock()
			return
		}
		if size != pe.size && pe.checks < maxStabilityChecks {
			pe.size = size
			pe.checks++
			pe.timer.Reset(w.opts.Debounce)
			w.mu.Unlock()
			return
		}
	}

	delete(w.pending, p)
	ev := Event{Op: pe.op, Path: p}
	w.mu.Unlock()

	select {
	case w.events <- ev:
	case <-w.done:
	}
}
