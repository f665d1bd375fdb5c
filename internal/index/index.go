// Package index crawls a remote tree breadth-first and fills the directory cache.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/metrics"
)

const DefaultGracePeriod = 2 * time.Second

var (
	ErrRootUnreadable = errors.New("remote root is unreadable")
	ErrSuperseded     = errors.New("index run superseded by a newer run")
)

type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Progress struct {
	Path    string `json:"path"`
	Listed  int    `json:"listed"`
	Pending int    `json:"pending"`
}

// Callbacks observe a run. Any of them may be nil. They are invoked from the
// crawl goroutine and must not block for long.
type Callbacks struct {
	OnProgress func(Progress)
	OnEmpty    func(dir string)
	OnError    func(dir string, err error)
}

type Stats struct {
	Listed   int           `json:"listed"`
	Empty    int           `json:"empty"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Run is one crawl. Every caller that triggers or joins it shares the result.
type Run struct {
	gen  uint64
	done chan struct{}

	mu        sync.Mutex
	callbacks []Callbacks
	stats     Stats
	err       error
}

func newRun(gen uint64) *Run {
	return &Run{gen: gen, done: make(chan struct{})}
}

func (r *Run) Generation() uint64 {
	return r.gen
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run settles or ctx is done.
func (r *Run) Wait(ctx context.Context) (Stats, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.stats, r.err
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Run) join(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *Run) observers() []Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Callbacks(nil), r.callbacks...)
}

func (r *Run) progress(p Progress) {
	for _, cb := range r.observers() {
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
	}
}

func (r *Run) empty(dir string) {
	for _, cb := range r.observers() {
		if cb.OnEmpty != nil {
			cb.OnEmpty(dir)
		}
	}
}

func (r *Run) failed(dir string, err error) {
	for _, cb := range r.observers() {
		if cb.OnError != nil {
			cb.OnError(dir, err)
		}
	}
}

type Options struct {
	Conn    string
	Root    string
	Session fs.Session
	Shard   *cache.Shard

	// Skip reports directory names that are listed but not descended into.
	Skip func(name string) bool

	// OnComplete runs after a successful, non-superseded run.
	OnComplete func(stats Stats)

	GracePeriod time.Duration
	Clock       clockwork.Clock
	Log         *logrus.Entry
}

// Indexer owns the crawl state machine of one connection.
type Indexer struct {
	opts Options
	log  *logrus.Entry

	mu      sync.Mutex
	state   State
	gen     uint64
	current *Run
}

func New(opts Options) *Indexer {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	opts.Root = fs.CleanRemote(opts.Root)

	return &Indexer{
		opts: opts,
		log:  opts.Log.WithField("conn", opts.Conn),
	}
}

func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// Indexed reports whether a full crawl completed since the last reset.
func (ix *Indexer) Indexed() bool {
	return ix.State() == Completed
}

// Current returns the in-flight run, if any.
func (ix *Indexer) Current() *Run {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.current
}

// Start begins a crawl, or joins the one already in flight.
func (ix *Indexer) Start(cb Callbacks) *Run {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.startLocked(cb)
}

// EnsureIndexed starts a crawl unless the connection is already indexed.
// It returns nil when nothing needs to run.
func (ix *Indexer) EnsureIndexed(cb Callbacks) *Run {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.state == Completed {
		return nil
	}
	return ix.startLocked(cb)
}

// Rebuild drops the connection's cached listings and starts a fresh crawl.
// An in-flight run gets the grace period to settle; after that it is
// abandoned and its remaining cache writes are discarded.
func (ix *Indexer) Rebuild(ctx context.Context, cb Callbacks) (*Run, error) {
	if current := ix.Current(); current != nil {
		select {
		case <-current.Done():
		case <-ix.opts.Clock.After(ix.opts.GracePeriod):
			ix.log.Warnf("Index: Run %d still in flight after %v, abandoning it", current.gen, ix.opts.GracePeriod)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.resetLocked()
	return ix.startLocked(cb), nil
}

// Reset forgets the indexed flag, fences any in-flight run and drops the
// connection's cached listings.
func (ix *Indexer) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.resetLocked()
}

func (ix *Indexer) resetLocked() {
	ix.gen++
	ix.current = nil
	ix.state = Idle
	ix.opts.Shard.Invalidate()
}

func (ix *Indexer) startLocked(cb Callbacks) *Run {
	if ix.state == Running && ix.current != nil {
		ix.current.join(cb)
		return ix.current
	}

	ix.gen++
	run := newRun(ix.gen)
	run.join(cb)
	ix.current = run
	ix.state = Running

	ix.log.Infof("Index: Starting run %d at %s", run.gen, ix.opts.Root)
	go ix.crawl(run)
	return run
}

// write stores a listing unless run has been fenced by a newer generation.
func (ix *Indexer) write(run *Run, dir string, nodes []*fs.Node) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if run.gen != ix.gen {
		return false
	}
	ix.opts.Shard.Put(dir, nodes)
	return true
}

func (ix *Indexer) crawl(run *Run) {
	start := ix.opts.Clock.Now()
	stats := Stats{}
	var runErr error

	// Pending directories, consumed from head.
	pending := []string{ix.opts.Root}
	head := 0

	for head < len(pending) {
		dir := pending[head]
		pending[head] = ""
		head++

		infos, err := ix.opts.Session.ReadDir(dir)
		if err != nil {
			stats.Errors++
			metrics.RecordIndexError(ix.opts.Conn)
			run.failed(dir, err)

			if dir == ix.opts.Root {
				runErr = fmt.Errorf("%w: %s: %w", ErrRootUnreadable, dir, err)
				break
			}
			ix.log.WithError(err).Warnf("Index: Failed to list %s", dir)
			continue
		}

		nodes := fs.NodesFromInfos(dir, infos)
		if !ix.write(run, dir, nodes) {
			runErr = ErrSuperseded
			break
		}
		stats.Listed++
		metrics.RecordIndexListed(ix.opts.Conn)

		if len(nodes) == 0 {
			stats.Empty++
			run.empty(dir)
		}

		for _, node := range nodes {
			if !node.IsDir {
				continue
			}
			if ix.opts.Skip != nil && ix.opts.Skip(node.Name) {
				continue
			}
			pending = append(pending, node.Path)
		}

		run.progress(Progress{Path: dir, Listed: stats.Listed, Pending: len(pending) - head})
	}

	stats.Duration = ix.opts.Clock.Since(start)
	ix.finish(run, stats, runErr)
}

func (ix *Indexer) finish(run *Run, stats Stats, err error) {
	ix.mu.Lock()
	current := run.gen == ix.gen
	if current {
		ix.current = nil
		if err != nil {
			ix.state = Failed
		} else {
			ix.state = Completed
		}
	} else if err == nil {
		err = ErrSuperseded
	}
	ix.mu.Unlock()

	run.mu.Lock()
	run.stats = stats
	run.err = err
	run.mu.Unlock()

	metrics.RecordIndexRun(ix.opts.Conn, stats.Duration, err == nil)

	switch {
	case errors.Is(err, ErrSuperseded):
		ix.log.Infof("Index: Run %d superseded after %d directories", run.gen, stats.Listed)
	case err != nil:
		ix.log.WithError(err).Errorf("Index: Run %d failed", run.gen)
	default:
		ix.log.Infof("Index: Run %d listed %d directories (%d empty, %d errors) in %v",
			run.gen, stats.Listed, stats.Empty, stats.Errors, stats.Duration)
		if ix.opts.OnComplete != nil {
			ix.opts.OnComplete(stats)
		}
	}

	close(run.done)
}
