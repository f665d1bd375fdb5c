package queue

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
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
	"remote-mirror/internal/status"
	"remote-mirror/internal/tests"
	"remote-mirror/internal/verify"
)

type queueTest struct {
	queue   *Queue
	session *tests.FakeSession
	local   afero.Fs
	tracker *status.Tracker
	shard   *cache.Shard
	clock   clockwork.FakeClock
}

func setupQueueTest(t *testing.T, configure func(*Options)) (*queueTest, func()) {
	logrus.SetOutput(io.Discard)

	session := tests.NewFakeSession()
	session.AddDir("/site")
	local := afero.NewMemMapFs()
	require.NoError(t, local.MkdirAll("/work", 0755))

	clock := clockwork.NewFakeClock()
	tracker := status.NewTracker("test", clock)
	shard := cache.New(cache.Options{MaxEntries: 100, Clock: clock}).Shard("test", 3, 10)

	opts := Options{
		Conn: config.Connection{
			ID:         "test",
			LocalRoot:  "/work",
			RemoteRoot: "/site",
			Verify:     config.VerifyDownload,
		},
		Session:  session,
		Local:    local,
		Verifier: verify.New(session, local, config.VerifyDownload, nil),
		Tracker:  tracker,
		Shard:    shard,
		Clock:    clock,
	}
	if configure != nil {
		configure(&opts)
	}

	qt := &queueTest{
		queue:   New(opts),
		session: session,
		local:   local,
		tracker: tracker,
		shard:   shard,
		clock:   clock,
	}

	cleanup := func() {
		qt.queue.Stop()
		tracker.Close()
		logrus.SetOutput(os.Stderr)
	}
	return qt, cleanup
}

func (qt *queueTest) write(t *testing.T, name, content string) string {
	p := "/work/" + name
	require.NoError(t, afero.WriteFile(qt.local, p, []byte(content), 0644))
	return p
}

func (qt *queueTest) drain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, qt.queue.Drain(ctx))
}

// transitions collects item phase changes in the order they were published.
type transitions struct {
	mu     sync.Mutex
	phases map[uint64][]status.Phase
	order  []string
	items  map[uint64]status.Item
	sent   []int64
}

func watchTransitions(tracker *status.Tracker) (*transitions, func()) {
	tr := &transitions{
		phases: make(map[uint64][]status.Phase),
		items:  make(map[uint64]status.Item),
	}
	updates, cancel := tracker.Subscribe(1024)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for update := range updates {
			if update.Kind != status.KindItem {
				continue
			}
			item := *update.Item

			tr.mu.Lock()
			phases := tr.phases[item.ID]
			if len(phases) == 0 || phases[len(phases)-1] != item.Phase {
				tr.phases[item.ID] = append(phases, item.Phase)
				if item.Phase != status.Queued {
					tr.order = append(tr.order, item.RemotePath+":"+string(item.Phase))
				}
			} else if item.BytesSent > 0 {
				tr.sent = append(tr.sent, item.BytesSent)
			}
			tr.items[item.ID] = item
			tr.mu.Unlock()
		}
	}()

	return tr, func() {
		cancel()
		<-done
	}
}

func TestUploadPublishesAtomically(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	qt.shard.Put("/site", nil)
	tr, stop := watchTransitions(qt.tracker)

	id, err := qt.queue.Enqueue(status.Upload, qt.write(t, "a/b/index.html", "<html>"))
	require.NoError(t, err)
	qt.drain(t)
	stop()

	content, err := qt.session.ReadFile("/site/a/b/index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(content))

	infos, err := afero.ReadDir(qt.session.Tree(), "/site/a/b")
	require.NoError(t, err)
	require.Len(t, infos, 1, "no temporary files are left behind")

	assert.Equal(t, []status.Phase{status.Queued, status.Transferring, status.Verifying, status.Complete}, tr.phases[id])
	assert.Equal(t, int64(6), tr.items[id].BytesSent)

	root, ok := qt.shard.Get("/site")
	require.True(t, ok)
	require.Len(t, root, 1)
	assert.Equal(t, "a", root[0].Name)
	assert.True(t, root[0].IsDir)

	snapshot := qt.tracker.Snapshot()
	assert.Equal(t, 1, snapshot.Processed)
	assert.Equal(t, 0, snapshot.Pending)
	assert.Equal(t, 0, snapshot.Active)
}

func TestItemsRunInEnqueueOrder(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	qt.session.AddFile("/site/b.txt", []byte("old"))
	tr, stop := watchTransitions(qt.tracker)

	_, err := qt.queue.Enqueue(status.Upload, qt.write(t, "a.txt", "a"))
	require.NoError(t, err)
	_, err = qt.queue.Enqueue(status.Delete, "/work/b.txt")
	require.NoError(t, err)
	_, err = qt.queue.Enqueue(status.Upload, qt.write(t, "c.txt", "c"))
	require.NoError(t, err)
	qt.drain(t)
	stop()

	assert.Equal(t, []string{
		"/site/a.txt:transferring",
		"/site/a.txt:verifying",
		"/site/a.txt:complete",
		"/site/b.txt:deleting",
		"/site/b.txt:complete",
		"/site/c.txt:transferring",
		"/site/c.txt:verifying",
		"/site/c.txt:complete",
	}, tr.order)
	assert.False(t, qt.session.Exists("/site/b.txt"))
}

func TestRenameFailureLeavesTargetUntouched(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	qt.session.AddFile("/site/index.html", []byte("old"))
	qt.session.Fail("Rename", "/site/index.html", errors.New("permission denied"))

	_, err := qt.queue.Enqueue(status.Upload, qt.write(t, "index.html", "new content"))
	require.NoError(t, err)
	qt.drain(t)

	content, err := qt.session.ReadFile("/site/index.html")
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))

	infos, err := afero.ReadDir(qt.session.Tree(), "/site")
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, strings.HasSuffix(info.Name(), ".tmp"), "temporary file %s was not removed", info.Name())
	}

	snapshot := qt.tracker.Snapshot()
	assert.Equal(t, 1, snapshot.Failed)
	assert.Equal(t, status.FailedPhase, snapshot.LastPhase)
	assert.Contains(t, snapshot.LastError, "permission denied")
}

type gatedVerifier struct {
	Verifier
	entered chan struct{}
	gate    chan struct{}
	once    atomic.Bool
}

func (v *gatedVerifier) VerifyUpload(localPath, remotePath string) (*verify.Result, error) {
	if v.once.CompareAndSwap(false, true) {
		close(v.entered)
		<-v.gate
	}
	return v.Verifier.VerifyUpload(localPath, remotePath)
}

func TestSupersededUpload(t *testing.T) {
	var verifier *gatedVerifier
	qt, cleanup := setupQueueTest(t, func(opts *Options) {
		verifier = &gatedVerifier{
			Verifier: opts.Verifier,
			entered:  make(chan struct{}),
			gate:     make(chan struct{}),
		}
		opts.Verifier = verifier
	})
	defer cleanup()

	tr, stop := watchTransitions(qt.tracker)

	p := qt.write(t, "app.js", "v1")
	first, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	<-verifier.entered

	second, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "in-flight uploads are not coalesced")

	close(verifier.gate)
	qt.drain(t)
	stop()

	assert.Equal(t, status.Complete, tr.items[first].Phase)
	assert.Equal(t, status.NoteSuperseded, tr.items[first].Note)
	assert.Equal(t, status.Complete, tr.items[second].Phase)
	assert.Empty(t, tr.items[second].Note)
}

func blockFirstWrite(session *tests.FakeSession) (entered, gate chan struct{}) {
	entered = make(chan struct{})
	gate = make(chan struct{})
	var once atomic.Bool
	session.Hook("WriteStream", func(string) {
		if once.CompareAndSwap(false, true) {
			close(entered)
			<-gate
		}
	})
	return entered, gate
}

func TestQueuedUploadsCoalesce(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	entered, gate := blockFirstWrite(qt.session)

	_, err := qt.queue.Enqueue(status.Upload, qt.write(t, "first.txt", "1"))
	require.NoError(t, err)
	<-entered

	p := qt.write(t, "second.txt", "2")
	id1, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	id2, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, qt.queue.Pending())
	assert.Equal(t, 1, qt.tracker.Snapshot().Pending)

	close(gate)
	qt.drain(t)

	assert.Equal(t, 2, qt.session.TotalCalls("WriteStream"))
	assert.Equal(t, 2, qt.tracker.Snapshot().Processed)
}

func TestSkipUnchanged(t *testing.T) {
	qt, cleanup := setupQueueTest(t, func(opts *Options) {
		opts.Conn.SkipUnchanged = true
	})
	defer cleanup()

	tr, stop := watchTransitions(qt.tracker)

	p := qt.write(t, "style.css", "body{}")
	_, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	qt.drain(t)

	unchanged, err := qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	qt.drain(t)

	qt.write(t, "style.css", "body{color:red}")
	_, err = qt.queue.Enqueue(status.Upload, p)
	require.NoError(t, err)
	qt.drain(t)
	stop()

	assert.Equal(t, 2, qt.session.TotalCalls("WriteStream"))
	assert.Equal(t, status.NoteUnchanged, tr.items[unchanged].Note)

	content, err := qt.session.ReadFile("/site/style.css")
	require.NoError(t, err)
	assert.Equal(t, "body{color:red}", string(content))
}

func TestVanishedFileIsSkipped(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	tr, stop := watchTransitions(qt.tracker)

	id, err := qt.queue.Enqueue(status.Upload, "/work/gone.txt")
	require.NoError(t, err)
	qt.drain(t)
	stop()

	assert.Equal(t, []status.Phase{status.Queued, status.Transferring, status.Verifying, status.Complete}, tr.phases[id])
	assert.Equal(t, status.NoteVanished, tr.items[id].Note)
	assert.Equal(t, 0, qt.session.TotalCalls("WriteStream"))
}

func TestDelete(t *testing.T) {
	testCases := []struct {
		name   string
		setup  func(session *tests.FakeSession)
		local  string
		remote string
	}{
		{
			name: "file",
			setup: func(session *tests.FakeSession) {
				session.AddFile("/site/old.txt", []byte("x"))
			},
			local:  "/work/old.txt",
			remote: "/site/old.txt",
		},
		{
			name: "directory tree",
			setup: func(session *tests.FakeSession) {
				session.AddFile("/site/old/x.txt", []byte("x"))
				session.AddFile("/site/old/sub/y.txt", []byte("y"))
				session.AddDir("/site/old/sub/empty")
			},
			local:  "/work/old",
			remote: "/site/old",
		},
		{
			name:   "already gone",
			setup:  func(*tests.FakeSession) {},
			local:  "/work/missing.txt",
			remote: "/site/missing.txt",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			qt, cleanup := setupQueueTest(t, nil)
			defer cleanup()

			tt.setup(qt.session)
			qt.shard.Put("/site", []*fs.Node{
				{Name: "keep.txt", Path: "/site/keep.txt"},
				{Name: strings.TrimPrefix(tt.remote, "/site/"), Path: tt.remote},
			})

			_, err := qt.queue.Enqueue(status.Delete, tt.local)
			require.NoError(t, err)
			qt.drain(t)

			assert.False(t, qt.session.Exists(tt.remote))
			assert.Equal(t, 1, qt.tracker.Snapshot().Processed)

			listing, ok := qt.shard.Get("/site")
			require.True(t, ok)
			require.Len(t, listing, 1)
			assert.Equal(t, "keep.txt", listing[0].Name)
		})
	}
}

func TestEnqueueRejectsPathsOutsideRoot(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	_, err := qt.queue.Enqueue(status.Upload, "/elsewhere/file.txt")
	assert.ErrorIs(t, err, fs.ErrOutsideRoot)

	_, err = qt.queue.Enqueue(status.Delete, "/work")
	assert.ErrorIs(t, err, fs.ErrOutsideRoot)

	assert.Equal(t, 0, qt.queue.Pending())
}

func TestProgressIsThrottled(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	tr, stop := watchTransitions(qt.tracker)

	_, err := qt.queue.Enqueue(status.Upload, qt.write(t, "big.bin", strings.Repeat("x", 5*4096)))
	require.NoError(t, err)
	qt.drain(t)
	stop()

	// The clock never moves: the first chunk and the final offset get through.
	assert.Equal(t, []int64{4096, 5 * 4096}, tr.sent)
}

func TestStopDropsPendingItems(t *testing.T) {
	qt, cleanup := setupQueueTest(t, nil)
	defer cleanup()

	entered, gate := blockFirstWrite(qt.session)

	_, err := qt.queue.Enqueue(status.Upload, qt.write(t, "one.txt", "1"))
	require.NoError(t, err)
	<-entered
	for _, name := range []string{"two.txt", "three.txt"} {
		_, err := qt.queue.Enqueue(status.Upload, qt.write(t, name, name))
		require.NoError(t, err)
	}

	stopped := make(chan struct{})
	go func() {
		qt.queue.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while an item was still active")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	<-stopped

	assert.True(t, qt.session.Exists("/site/one.txt"), "the active item finishes")
	assert.False(t, qt.session.Exists("/site/two.txt"))
	assert.False(t, qt.session.Exists("/site/three.txt"))

	_, err = qt.queue.Enqueue(status.Upload, "/work/one.txt")
	assert.ErrorIs(t, err, ErrStopped)
}
