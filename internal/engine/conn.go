package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/index"
	"remote-mirror/internal/queue"
	"remote-mirror/internal/status"
	"remote-mirror/internal/verify"
	"remote-mirror/internal/watch"
)

// Watcher is the settled-event source a watch session consumes.
type Watcher interface {
	Events() <-chan watch.Event
	Done() <-chan struct{}
	Close() error
}

// Conn owns everything that belongs to one connection: its remote session,
// cache shard, indexer, status tracker and, while watching, its queue.
type Conn struct {
	cfg     config.Connection
	manager *Manager
	log     *logrus.Entry

	remote   *lazySession
	shard    *cache.Shard
	indexer  *index.Indexer
	tracker  *status.Tracker
	verifier *verify.Verifier
	ignore   *watch.Matcher

	// lastTracked is the newest index generation whose end was published.
	lastTracked atomic.Uint64
	watched     atomic.Bool

	mu        sync.Mutex
	queue     *queue.Queue
	watcher   Watcher
	routeDone chan struct{}
}

func (c *Conn) ID() string {
	return c.cfg.ID
}

func (c *Conn) Config() config.Connection {
	return c.cfg
}

func (c *Conn) Indexer() *index.Indexer {
	return c.indexer
}

// trackerCallbacks forwards crawl notifications to status subscribers.
func (c *Conn) trackerCallbacks() index.Callbacks {
	return index.Callbacks{
		OnProgress: func(p index.Progress) {
			c.tracker.PublishIndex(status.IndexEvent{Type: status.IndexProgress, Path: p.Path, Listed: p.Listed, Pending: p.Pending})
		},
		OnEmpty: func(dir string) {
			c.tracker.PublishIndex(status.IndexEvent{Type: status.IndexEmpty, Path: dir})
		},
		OnError: func(dir string, err error) {
			c.tracker.PublishIndex(status.IndexEvent{Type: status.IndexError, Path: dir, Error: err.Error()})
		},
	}
}

func combine(callbacks ...index.Callbacks) index.Callbacks {
	return index.Callbacks{
		OnProgress: func(p index.Progress) {
			for _, cb := range callbacks {
				if cb.OnProgress != nil {
					cb.OnProgress(p)
				}
			}
		},
		OnEmpty: func(dir string) {
			for _, cb := range callbacks {
				if cb.OnEmpty != nil {
					cb.OnEmpty(dir)
				}
			}
		},
		OnError: func(dir string, err error) {
			for _, cb := range callbacks {
				if cb.OnError != nil {
					cb.OnError(dir, err)
				}
			}
		},
	}
}

// trackRun publishes the end of run once, however many callers joined it.
func (c *Conn) trackRun(run *index.Run) {
	go func() {
		stats, err := run.Wait(context.Background())

		for {
			last := c.lastTracked.Load()
			if run.Generation() <= last {
				return
			}
			if c.lastTracked.CompareAndSwap(last, run.Generation()) {
				break
			}
		}

		event := status.IndexEvent{Type: status.IndexDone, Listed: stats.Listed}
		if err != nil {
			event.Error = err.Error()
		}
		c.tracker.PublishIndex(event)
	}()
}

func (c *Conn) ensureIndexed() {
	if !c.cfg.AutoIndexEnabled() {
		return
	}
	if run := c.indexer.EnsureIndexed(c.trackerCallbacks()); run != nil {
		c.trackRun(run)
	}
}

func (c *Conn) listRemoteDir(ctx context.Context, dir string, force bool) ([]*fs.Node, error) {
	dir = fs.CleanRemote(dir)

	if !force {
		if nodes, ok := c.shard.Get(dir); ok {
			return nodes, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := c.remote.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	nodes := fs.NodesFromInfos(dir, infos)

	if force {
		nodes = c.shard.MergeDiff(dir, nodes)
	} else {
		c.shard.Put(dir, nodes)
	}
	c.shard.Visit(dir)

	c.ensureIndexed()
	return nodes, nil
}

func (c *Conn) rebuildRemoteIndex(ctx context.Context, cb index.Callbacks) (index.Stats, error) {
	if store := c.manager.opts.Store; store != nil {
		if err := store.DeleteConnection(c.cfg.ID); err != nil {
			c.log.WithError(err).Warn("Engine: Failed to drop persisted listings")
		}
	}

	run, err := c.indexer.Rebuild(ctx, combine(c.trackerCallbacks(), cb))
	if err != nil {
		return index.Stats{}, err
	}
	c.trackRun(run)
	return run.Wait(ctx)
}

// invalidate drops the cached listings, access counters and indexed flag.
func (c *Conn) invalidate() {
	c.indexer.Reset()
	if store := c.manager.opts.Store; store != nil {
		if err := store.DeleteConnection(c.cfg.ID); err != nil {
			c.log.WithError(err).Warn("Engine: Failed to drop persisted listings")
		}
	}
}

func (c *Conn) persist() {
	store := c.manager.opts.Store
	if store == nil {
		return
	}
	if err := store.SaveListings(c.cfg.ID, c.shard.Snapshot()); err != nil {
		c.log.WithError(err).Warn("Engine: Failed to persist listings")
	}
}

func (c *Conn) startWatch() (*status.QueueStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue != nil {
		snapshot := c.tracker.Snapshot()
		return &snapshot, nil
	}

	c.tracker.ResetCounters()
	q := queue.New(queue.Options{
		Conn:     c.cfg,
		Session:  c.remote,
		Local:    c.manager.opts.Local,
		Verifier: c.verifier,
		Tracker:  c.tracker,
		Shard:    c.shard,
		Clock:    c.manager.opts.Clock,
		Log:      c.log,
	})

	w, err := c.manager.opts.NewWatcher(watch.Options{
		Root:     c.cfg.LocalRoot,
		Debounce: c.cfg.Debounce,
		Ignore:   c.ignore,
		Clock:    c.manager.opts.Clock,
		Fs:       c.manager.opts.Local,
		Log:      c.log,
	})
	if err != nil {
		q.Stop()
		return nil, fmt.Errorf("failed to watch %s: %w", c.cfg.LocalRoot, err)
	}

	c.queue = q
	c.watcher = w
	c.routeDone = make(chan struct{})
	c.watched.Store(true)
	c.tracker.SetWatching(true)

	go c.route(w, q, c.routeDone)

	c.log.Infof("Engine: Watching %s -> %s", c.cfg.LocalRoot, c.cfg.RemoteRoot)
	snapshot := c.tracker.Snapshot()
	return &snapshot, nil
}

func (c *Conn) stopWatch() *status.QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue != nil {
		if err := c.watcher.Close(); err != nil {
			c.log.WithError(err).Warn("Engine: Failed to close watcher")
		}
		<-c.routeDone
		c.queue.Stop()

		c.queue = nil
		c.watcher = nil
		c.tracker.SetWatching(false)
		c.log.Infof("Engine: Stopped watching %s", c.cfg.LocalRoot)
	}

	snapshot := c.tracker.Snapshot()
	return &snapshot
}

func (c *Conn) route(w Watcher, q *queue.Queue, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-w.Events():
			c.routeEvent(q, ev)
		case <-w.Done():
			return
		}
	}
}

// routeEvent sends add and change to the upload path and unlink to the
// delete path. Noise paths never reach the queue.
func (c *Conn) routeEvent(q *queue.Queue, ev watch.Event) {
	rel, err := filepath.Rel(c.cfg.LocalRoot, ev.Path)
	if err != nil {
		c.log.WithError(err).Debugf("Engine: Ignoring %s", ev.Path)
		return
	}
	if c.ignore.Match(rel) {
		return
	}

	action := status.Upload
	if ev.Op == watch.Unlink {
		action = status.Delete
	}
	if _, err := q.Enqueue(action, ev.Path); err != nil {
		c.log.WithError(err).Debugf("Engine: Dropped %s of %s", action, ev.Path)
	}
}

func (c *Conn) queueStatus() *status.QueueStatus {
	if !c.watched.Load() {
		return nil
	}
	snapshot := c.tracker.Snapshot()
	return &snapshot
}

func (c *Conn) close() {
	c.stopWatch()
	c.indexer.Reset()
	if err := c.remote.Close(); err != nil {
		c.log.WithError(err).Warn("Engine: Failed to close remote session")
	}
	c.tracker.Close()
}
