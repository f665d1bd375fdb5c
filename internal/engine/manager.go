// Package engine wires sessions, cache, indexer, queue and watcher into one
// object per connection and exposes the operations the control surface uses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/index"
	"remote-mirror/internal/status"
	"remote-mirror/internal/verify"
	"remote-mirror/internal/watch"
)

var ErrUnknownConnection = errors.New("unknown connection")

type Options struct {
	Cache *cache.Cache
	// Store persists listings across restarts. Optional.
	Store cache.Store

	Dial       func(creds config.Credentials) (fs.Session, error)
	NewWatcher func(opts watch.Options) (Watcher, error)

	Local       afero.Fs
	GracePeriod time.Duration
	Clock       clockwork.Clock
	Log         *logrus.Entry
}

type Manager struct {
	opts Options
	log  *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Options{Clock: opts.Clock})
	}
	if opts.Dial == nil {
		opts.Dial = fs.Connect
	}
	if opts.NewWatcher == nil {
		opts.NewWatcher = func(o watch.Options) (Watcher, error) {
			return watch.New(o)
		}
	}
	if opts.Local == nil {
		opts.Local = afero.NewOsFs()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Manager{
		opts:  opts,
		log:   opts.Log,
		conns: make(map[string]*Conn),
	}
}

// Register creates the per-connection state. Nothing is dialed until the
// first remote call.
func (m *Manager) Register(cfg config.Connection) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[cfg.ID]; ok {
		return nil, fmt.Errorf("connection %s is already registered", cfg.ID)
	}

	log := m.log.WithField("conn", cfg.ID)
	creds := cfg.Credentials
	remote := newLazySession(func() (fs.Session, error) {
		return m.opts.Dial(creds)
	}, log)

	c := &Conn{
		cfg:     cfg,
		manager: m,
		log:     log,
		remote:  remote,
		shard:   m.opts.Cache.Shard(cfg.ID, cfg.PinThreshold, cfg.PinnedMaxEntries),
		tracker: status.NewTracker(cfg.ID, m.opts.Clock),
		ignore:  watch.NewMatcher(cfg.Ignore),
	}
	c.verifier = verify.New(remote, m.opts.Local, cfg.Verify, log)
	c.indexer = index.New(index.Options{
		Conn:        cfg.ID,
		Root:        cfg.RemoteRoot,
		Session:     remote,
		Shard:       c.shard,
		Skip:        c.ignore.MatchName,
		OnComplete:  func(index.Stats) { c.persist() },
		GracePeriod: m.opts.GracePeriod,
		Clock:       m.opts.Clock,
		Log:         log,
	})

	if m.opts.Store != nil {
		listings, err := m.opts.Store.LoadListings(cfg.ID)
		if err != nil {
			log.WithError(err).Warn("Engine: Failed to load persisted listings")
		} else if len(listings) > 0 {
			c.shard.Warm(listings)
			log.Infof("Engine: Warmed %d cached directories", len(listings))
		}
	}

	m.conns[cfg.ID] = c
	return c, nil
}

// Remove tears the connection down.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	c.close()
	return nil
}

// Connections returns the registered connection ids, sorted.
func (m *Manager) Connections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Conn(id string) (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

// ListRemoteDir serves dir from the cache unless force is set or the
// listing is missing. A cache hit never touches the remote session.
func (m *Manager) ListRemoteDir(ctx context.Context, id, dir string, force bool) ([]*fs.Node, error) {
	c, err := m.Conn(id)
	if err != nil {
		return nil, err
	}
	return c.listRemoteDir(ctx, dir, force)
}

// RebuildRemoteIndex drops the connection's listings and recrawls it.
func (m *Manager) RebuildRemoteIndex(ctx context.Context, id string, cb index.Callbacks) (index.Stats, error) {
	c, err := m.Conn(id)
	if err != nil {
		return index.Stats{}, err
	}
	return c.rebuildRemoteIndex(ctx, cb)
}

// InvalidateConnection forgets every cached listing of the connection.
func (m *Manager) InvalidateConnection(id string) error {
	c, err := m.Conn(id)
	if err != nil {
		return err
	}
	c.invalidate()
	return nil
}

func (m *Manager) StartWatch(id string) (*status.QueueStatus, error) {
	c, err := m.Conn(id)
	if err != nil {
		return nil, err
	}
	return c.startWatch()
}

// StopWatch stops event delivery, drops pending items and waits for the
// active one.
func (m *Manager) StopWatch(id string) (*status.QueueStatus, error) {
	c, err := m.Conn(id)
	if err != nil {
		return nil, err
	}
	return c.stopWatch(), nil
}

// QueueStatus returns nil for unknown connections and for connections that
// were never watched.
func (m *Manager) QueueStatus(id string) *status.QueueStatus {
	c, err := m.Conn(id)
	if err != nil {
		return nil
	}
	return c.queueStatus()
}

func (m *Manager) ClearQueueHistory(id string) error {
	c, err := m.Conn(id)
	if err != nil {
		return err
	}
	c.tracker.ClearHistory()
	return nil
}

// Subscribe pushes every status, item and index update of the connection.
func (m *Manager) Subscribe(id string, buffer int) (<-chan status.Update, func(), error) {
	c, err := m.Conn(id)
	if err != nil {
		return nil, nil, err
	}
	updates, cancel := c.tracker.Subscribe(buffer)
	return updates, cancel, nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
