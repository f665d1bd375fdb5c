package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/index"
	"remote-mirror/internal/status"
	"remote-mirror/internal/tests"
	"remote-mirror/internal/watch"
)

var protocolMethods = []string{"ReadDir", "Stat", "ReadStream", "WriteStream", "Rename", "Mkdir", "Remove", "RemoveDir", "Exec"}

type fakeWatcher struct {
	opts   watch.Options
	events chan watch.Event
	done   chan struct{}
	once   sync.Once
}

func (w *fakeWatcher) Events() <-chan watch.Event { return w.events }
func (w *fakeWatcher) Done() <-chan struct{}      { return w.done }

func (w *fakeWatcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

type engineTest struct {
	manager  *Manager
	local    afero.Fs
	session  *tests.FakeSession
	watchers chan *fakeWatcher

	mu    sync.Mutex
	dials int
}

func setupEngineTest(t *testing.T, store cache.Store) (*engineTest, func()) {
	logrus.SetOutput(io.Discard)

	et := &engineTest{
		local:    afero.NewMemMapFs(),
		session:  tests.NewFakeSession(),
		watchers: make(chan *fakeWatcher, 4),
	}
	et.session.AddDir("/site")
	require.NoError(t, et.local.MkdirAll("/work", 0755))

	et.manager = NewManager(Options{
		Cache: cache.New(cache.Options{MaxEntries: 100}),
		Store: store,
		Dial: func(config.Credentials) (fs.Session, error) {
			et.mu.Lock()
			defer et.mu.Unlock()
			et.dials++
			return et.session, nil
		},
		NewWatcher: func(opts watch.Options) (Watcher, error) {
			w := &fakeWatcher{opts: opts, events: make(chan watch.Event), done: make(chan struct{})}
			et.watchers <- w
			return w, nil
		},
		Local: et.local,
		Clock: clockwork.NewFakeClock(),
	})

	cleanup := func() {
		et.manager.Close()
		logrus.SetOutput(os.Stderr)
	}
	return et, cleanup
}

func (et *engineTest) register(t *testing.T, autoIndex bool) {
	_, err := et.manager.Register(config.Connection{
		ID:          "site",
		Credentials: config.Credentials{Scheme: "local"},
		LocalRoot:   "/work",
		RemoteRoot:  "/site",
		Verify:      config.VerifyDownload,
		AutoIndex:   &autoIndex,
	})
	require.NoError(t, err)
}

func (et *engineTest) dialCount() int {
	et.mu.Lock()
	defer et.mu.Unlock()
	return et.dials
}

func totalCalls(session *tests.FakeSession) map[string]int {
	calls := make(map[string]int)
	for _, method := range protocolMethods {
		calls[method] = session.TotalCalls(method)
	}
	return calls
}

func TestListRemoteDirIsCacheFirst(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, false)

	et.session.AddFile("/site/index.html", []byte("<html>"))
	et.session.AddDir("/site/css")

	nodes, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", false)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "css", nodes[0].Name, "directories sort first")

	before := totalCalls(et.session)
	for i := 0; i < 5; i++ {
		cached, err := et.manager.ListRemoteDir(context.Background(), "site", "/site/", false)
		require.NoError(t, err)
		assert.Len(t, cached, 2)
	}
	assert.Equal(t, before, totalCalls(et.session), "cache hits issue no protocol calls")
	assert.Equal(t, 1, et.dialCount())
}

func TestForcedListKeepsUnchangedIdentity(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, false)

	et.session.AddFile("/site/a.txt", []byte("a"))
	et.session.AddFile("/site/b.txt", []byte("b"))

	first, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", false)
	require.NoError(t, err)
	require.Len(t, first, 2)

	et.session.AddFile("/site/b.txt", []byte("bigger"))
	et.session.AddFile("/site/c.txt", []byte("c"))

	second, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", true)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Same(t, first[0], second[0], "unchanged a.txt keeps its identity")
	assert.NotSame(t, first[1], second[1], "resized b.txt is replaced")
	assert.Equal(t, int64(6), second[1].Size)

	third, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", true)
	require.NoError(t, err)
	for i := range second {
		assert.Same(t, second[i], third[i])
	}
	assert.Equal(t, 3, et.session.Calls("ReadDir", "/site"))
}

func TestBrowsingStartsBackgroundIndex(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, true)

	et.session.AddFile("/site/docs/guide/intro.md", []byte("# intro"))

	_, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", false)
	require.NoError(t, err)

	c, err := et.manager.Conn("site")
	require.NoError(t, err)
	require.Eventually(t, c.Indexer().Indexed, 5*time.Second, 10*time.Millisecond)

	before := totalCalls(et.session)
	nodes, err := et.manager.ListRemoteDir(context.Background(), "site", "/site/docs/guide", false)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, before, totalCalls(et.session), "indexed directories are served from the cache")
}

func TestCacheHitsNeverStartACrawl(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, true)

	et.session.AddDir("/site/sub")
	et.session.Fail("ReadDir", "/site", os.ErrPermission)

	_, err := et.manager.ListRemoteDir(context.Background(), "site", "/site/sub", false)
	require.NoError(t, err)

	c, err := et.manager.Conn("site")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Indexer().State() == index.Failed
	}, 5*time.Second, 10*time.Millisecond)

	before := totalCalls(et.session)
	for i := 0; i < 3; i++ {
		_, err := et.manager.ListRemoteDir(context.Background(), "site", "/site/sub", false)
		require.NoError(t, err)
	}
	assert.Equal(t, before, totalCalls(et.session), "a failed index is not retried from cache hits")
}

func TestRebuildRemoteIndex(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, false)

	et.session.AddFile("/site/a/file.txt", []byte("x"))
	et.session.AddDir("/site/empty")
	et.session.Fail("ReadDir", "/site/locked", os.ErrPermission)
	et.session.AddDir("/site/locked")

	updates, cancel, err := et.manager.Subscribe("site", 64)
	require.NoError(t, err)
	defer cancel()

	var mu sync.Mutex
	var empty, failed []string
	stats, err := et.manager.RebuildRemoteIndex(context.Background(), "site", index.Callbacks{
		OnEmpty: func(dir string) {
			mu.Lock()
			defer mu.Unlock()
			empty = append(empty, dir)
		},
		OnError: func(dir string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, dir)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Listed)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, []string{"/site/empty"}, empty)
	assert.Equal(t, []string{"/site/locked"}, failed)

	seen := map[status.IndexEventType]int{}
	timeout := time.After(5 * time.Second)
	for seen[status.IndexDone] == 0 {
		select {
		case update := <-updates:
			if update.Kind == status.KindIndex {
				seen[update.Index.Type]++
			}
		case <-timeout:
			t.Fatal("no index done event")
		}
	}
	assert.Equal(t, 3, seen[status.IndexProgress])
	assert.Equal(t, 1, seen[status.IndexEmpty])
	assert.Equal(t, 1, seen[status.IndexError])
}

func TestWatchRoutesEventsToQueue(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, false)

	assert.Nil(t, et.manager.QueueStatus("site"), "never watched")

	queueStatus, err := et.manager.StartWatch("site")
	require.NoError(t, err)
	assert.True(t, queueStatus.Watching)
	w := <-et.watchers
	assert.Equal(t, "/work", w.opts.Root)

	require.NoError(t, afero.WriteFile(et.local, "/work/pages/index.html", []byte("<html>"), 0644))
	require.NoError(t, afero.WriteFile(et.local, "/work/node_modules/x.js", []byte("x"), 0644))
	et.session.AddFile("/site/old.html", []byte("old"))

	w.events <- watch.Event{Op: watch.Add, Path: "/work/node_modules/x.js"}
	w.events <- watch.Event{Op: watch.Add, Path: "/work/pages/index.html"}
	w.events <- watch.Event{Op: watch.Unlink, Path: "/work/old.html"}

	require.Eventually(t, func() bool {
		queueStatus := et.manager.QueueStatus("site")
		return queueStatus != nil && queueStatus.Processed == 2
	}, 5*time.Second, 10*time.Millisecond)

	content, err := et.session.ReadFile("/site/pages/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(content))
	assert.False(t, et.session.Exists("/site/old.html"))
	assert.False(t, et.session.Exists("/site/node_modules"), "noise paths are never uploaded")

	queueStatus, err = et.manager.StopWatch("site")
	require.NoError(t, err)
	assert.False(t, queueStatus.Watching)
	assert.Len(t, queueStatus.Recent, 2)

	require.NoError(t, et.manager.ClearQueueHistory("site"))
	queueStatus = et.manager.QueueStatus("site")
	require.NotNil(t, queueStatus, "stopped watchers still report status")
	assert.Empty(t, queueStatus.Recent)
	assert.Equal(t, 2, queueStatus.Processed)
}

func TestUnknownConnection(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()

	_, err := et.manager.ListRemoteDir(context.Background(), "nope", "/", false)
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = et.manager.StartWatch("nope")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, et.manager.ClearQueueHistory("nope"), ErrUnknownConnection)
	assert.ErrorIs(t, et.manager.Remove("nope"), ErrUnknownConnection)
	assert.Nil(t, et.manager.QueueStatus("nope"))
}

func TestReconnectsAfterConnectionError(t *testing.T) {
	et, cleanup := setupEngineTest(t, nil)
	defer cleanup()
	et.register(t, false)

	et.session.Fail("ReadDir", "/site", io.EOF)
	_, err := et.manager.ListRemoteDir(context.Background(), "site", "/site", false)
	require.Error(t, err)
	assert.True(t, fs.IsConnectionError(err))
	assert.Equal(t, 1, et.dialCount())

	// The broken session was closed; the next dial hands out a fresh one.
	fresh := tests.NewFakeSession()
	fresh.AddFile("/site/index.html", []byte("<html>"))
	et.mu.Lock()
	et.session = fresh
	et.mu.Unlock()

	_, err = et.manager.ListRemoteDir(context.Background(), "site", "/site", false)
	require.NoError(t, err)
	assert.Equal(t, 2, et.dialCount(), "the call after a lost connection dials again")
}

func TestPersistedListingsWarmTheCache(t *testing.T) {
	store, err := cache.NewStoreDB(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	first, cleanup := setupEngineTest(t, store)
	first.register(t, false)
	first.session.AddFile("/site/blog/post.md", []byte("post"))

	_, err = first.manager.RebuildRemoteIndex(context.Background(), "site", index.Callbacks{})
	require.NoError(t, err)
	cleanup()

	second, cleanup := setupEngineTest(t, store)
	defer cleanup()
	second.register(t, false)

	nodes, err := second.manager.ListRemoteDir(context.Background(), "site", "/site/blog", false)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "post.md", nodes[0].Name)
	assert.Equal(t, 0, second.dialCount(), "warm listings need no connection")

	c, err := second.manager.Conn("site")
	require.NoError(t, err)
	assert.False(t, c.Indexer().Indexed(), "a warm cache is not an index")

	t.Run("invalidate drops the snapshot", func(t *testing.T) {
		require.NoError(t, second.manager.InvalidateConnection("site"))
		listings, err := store.LoadListings("site")
		require.NoError(t, err)
		assert.Empty(t, listings)
	})
}
