// Package cache keeps remote directory listings in memory, shared by all
// connections, with an LRU-with-pin eviction policy.
package cache

import (
	"path"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/metrics"
)

// Key identifies one cached directory.
type Key struct {
	Conn string
	Path string
}

type entry struct {
	key        Key
	children   []*fs.Node
	fetchedAt  time.Time
	accessedAt time.Time
	seq        uint64
	pinned     bool
}

type Options struct {
	MaxEntries int
	Clock      clockwork.Clock
}

// Cache is the process-wide directory cache. Connections use it through a Shard.
//
// Nodes handed out by the cache are shared and must be treated as read-only.
type Cache struct {
	maxEntries int
	clock      clockwork.Clock

	mu      sync.Mutex
	seq     uint64
	entries map[Key]*entry
	visits  map[Key]int
	pinned  map[string]int
}

func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = config.DefaultCacheMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		maxEntries: opts.MaxEntries,
		clock:      opts.Clock,
		entries:    make(map[Key]*entry),
		visits:     make(map[Key]int),
		pinned:     make(map[string]int),
	}
}

// Shard returns the view of the cache owned by one connection.
func (c *Cache) Shard(conn string, pinThreshold, pinnedMaxEntries int) *Shard {
	if pinThreshold <= 0 {
		pinThreshold = config.DefaultPinThreshold
	}
	if pinnedMaxEntries <= 0 {
		pinnedMaxEntries = config.DefaultPinnedMaxEntries
	}
	return &Shard{
		cache:        c,
		conn:         conn,
		pinThreshold: pinThreshold,
		pinnedMax:    pinnedMaxEntries,
	}
}

// Len returns the number of cached directories across all connections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PinnedCount returns the number of pinned directories of a connection.
func (c *Cache) PinnedCount(conn string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned[conn]
}

// touch marks e as most recently used. Must be called with lock held.
func (c *Cache) touch(e *entry) {
	c.seq++
	e.seq = c.seq
	e.accessedAt = c.clock.Now()
}

// remove drops an entry and its pin. Must be called with lock held.
func (c *Cache) remove(e *entry) {
	if e.pinned {
		e.pinned = false
		c.pinned[e.key.Conn]--
	}
	delete(c.entries, e.key)
	delete(c.visits, e.key)
}

// store replaces or creates the entry for key. Must be called with lock held.
func (c *Cache) store(s *Shard, key Key, children []*fs.Node) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key}
		c.entries[key] = e
	}
	e.children = children
	e.fetchedAt = c.clock.Now()
	c.touch(e)

	c.maybePin(s, e)
	c.enforceCap()
	metrics.SetCacheEntries(len(c.entries))
	return e
}

// maybePin promotes e once its visit count reaches the shard threshold and
// demotes the least recently used pinned entry of the same connection if
// that pushes it over its cap. Must be called with lock held.
func (c *Cache) maybePin(s *Shard, e *entry) {
	if e.pinned || c.visits[e.key] < s.pinThreshold {
		return
	}

	e.pinned = true
	c.pinned[s.conn]++

	for c.pinned[s.conn] > s.pinnedMax {
		var oldest *entry
		for _, candidate := range c.entries {
			if !candidate.pinned || candidate.key.Conn != s.conn {
				continue
			}
			if oldest == nil || candidate.seq < oldest.seq {
				oldest = candidate
			}
		}
		if oldest == nil {
			break
		}
		c.remove(oldest)
		metrics.RecordCacheEviction("demoted")
	}
}

// enforceCap evicts until the global cap holds. Unpinned entries go first;
// when only pinned ones remain the least recently used of them goes.
// Must be called with lock held.
func (c *Cache) enforceCap() {
	for len(c.entries) > c.maxEntries {
		var oldest, oldestPinned *entry
		for _, candidate := range c.entries {
			if candidate.pinned {
				if oldestPinned == nil || candidate.seq < oldestPinned.seq {
					oldestPinned = candidate
				}
			} else if oldest == nil || candidate.seq < oldest.seq {
				oldest = candidate
			}
		}

		if oldest != nil {
			c.remove(oldest)
			metrics.RecordCacheEviction("lru")
		} else {
			c.remove(oldestPinned)
			metrics.RecordCacheEviction("pinned")
		}
	}
}

func copyNodes(nodes []*fs.Node) []*fs.Node {
	out := make([]*fs.Node, len(nodes))
	copy(out, nodes)
	return out
}

// Shard is one connection's view of the shared cache. Paths are remote
// absolute paths and are normalized on every call.
type Shard struct {
	cache        *Cache
	conn         string
	pinThreshold int
	pinnedMax    int
}

func (s *Shard) Conn() string {
	return s.conn
}

func (s *Shard) key(p string) Key {
	return Key{Conn: s.conn, Path: fs.CleanRemote(p)}
}

// Get returns the cached listing of dir without a round trip. A hit counts
// as an access and a visit.
func (s *Shard) Get(dir string) ([]*fs.Node, bool) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[s.key(dir)]
	metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}

	c.touch(e)
	c.visits[e.key]++
	c.maybePin(s, e)
	return copyNodes(e.children), true
}

// FetchedAt returns when dir was last written.
func (s *Shard) FetchedAt(dir string) (time.Time, bool) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[s.key(dir)]
	if !ok {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

// Put replaces the listing of dir unconditionally.
func (s *Shard) Put(dir string, children []*fs.Node) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(s, s.key(dir), copyNodes(children))
}

// MergeDiff refreshes the listing of dir. Children whose kind and size are
// unchanged keep their previous identity; all others are adopted from
// children. The merged listing is returned.
func (s *Shard) MergeDiff(dir string, children []*fs.Node) []*fs.Node {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	key := s.key(dir)
	merged := copyNodes(children)

	if prior, ok := c.entries[key]; ok {
		byPath := make(map[string]*fs.Node, len(prior.children))
		for _, node := range prior.children {
			byPath[node.Path] = node
		}
		for i, node := range merged {
			if old, ok := byPath[node.Path]; ok && old.IsDir == node.IsDir && old.Size == node.Size {
				merged[i] = old
			}
		}
	}

	c.store(s, key, merged)
	return copyNodes(merged)
}

// Visit counts one user visit of dir, pinning it once the threshold is reached.
func (s *Shard) Visit(dir string) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	key := s.key(dir)
	c.visits[key]++
	if e, ok := c.entries[key]; ok {
		c.maybePin(s, e)
	}
}

func (s *Shard) IsPinned(dir string) bool {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[s.key(dir)]
	return ok && e.pinned
}

// Invalidate drops every entry, visit counter and pin of the connection.
func (s *Shard) Invalidate() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if key.Conn == s.conn {
			c.remove(e)
		}
	}
	for key := range c.visits {
		if key.Conn == s.conn {
			delete(c.visits, key)
		}
	}
	delete(c.pinned, s.conn)
	metrics.SetCacheEntries(len(c.entries))
}

// UpsertChild adds or replaces node in its parent's listing if the parent is
// cached. A node equal in kind and size to the cached one keeps the old identity.
func (s *Shard) UpsertChild(node *fs.Node) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.entries[s.key(parentOf(node.Path))]
	if !ok {
		return
	}

	children := copyNodes(parent.children)
	replaced := false
	for i, old := range children {
		if old.Path != node.Path {
			continue
		}
		if old.IsDir != node.IsDir || old.Size != node.Size {
			children[i] = node
		}
		replaced = true
		break
	}
	if !replaced {
		children = append(children, node)
		fs.SortNodes(children)
	}
	parent.children = children
}

// RemoveChild drops p from its parent's listing and forgets any listing
// cached for p itself or beneath it.
func (s *Shard) RemoveChild(p string) {
	p = fs.CleanRemote(p)

	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if parent, ok := c.entries[s.key(parentOf(p))]; ok {
		children := make([]*fs.Node, 0, len(parent.children))
		for _, node := range parent.children {
			if node.Path != p {
				children = append(children, node)
			}
		}
		parent.children = children
	}

	for key, e := range c.entries {
		if key.Conn == s.conn && fs.IsUnder(p, key.Path) {
			c.remove(e)
		}
	}
	metrics.SetCacheEntries(len(c.entries))
}

// Snapshot copies every listing of the connection.
func (s *Shard) Snapshot() map[string][]*fs.Node {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]*fs.Node)
	for key, e := range c.entries {
		if key.Conn == s.conn {
			out[key.Path] = copyNodes(e.children)
		}
	}
	return out
}

// Warm loads listings without counting visits. Existing entries win.
func (s *Shard) Warm(listings map[string][]*fs.Node) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	for dir, children := range listings {
		key := s.key(dir)
		if _, ok := c.entries[key]; ok {
			continue
		}
		c.store(s, key, copyNodes(children))
	}
}

func parentOf(p string) string {
	return path.Dir(fs.CleanRemote(p))
}
