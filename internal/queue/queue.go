// Package queue serializes uploads and deletes of one connection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"remote-mirror/internal/cache"
	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/metrics"
	"remote-mirror/internal/status"
	"remote-mirror/internal/verify"
)

const DefaultProgressInterval = 200 * time.Millisecond

var ErrStopped = errors.New("queue is stopped")

type Verifier interface {
	VerifyUpload(localPath, remotePath string) (*verify.Result, error)
}

type Options struct {
	Conn     config.Connection
	Session  fs.Session
	Local    afero.Fs
	Verifier Verifier
	Tracker  *status.Tracker
	Shard    *cache.Shard

	ProgressInterval time.Duration
	Clock            clockwork.Clock
	Log              *logrus.Entry
}

type item struct {
	status.Item
	superseded bool
}

// Queue runs one item at a time in enqueue order.
type Queue struct {
	opts Options
	log  *logrus.Entry

	mu           sync.Mutex
	pending      []*item
	active       *item
	nextID       uint64
	stopped      bool
	idle         chan struct{}
	fingerprints map[string]uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(opts Options) *Queue {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Local == nil {
		opts.Local = afero.NewOsFs()
	}

	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		opts:         opts,
		log:          opts.Log.WithField("conn", opts.Conn.ID),
		idle:         idle,
		fingerprints: make(map[string]uint64),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go q.run()
	return q
}

// RemotePath maps a local path to its remote counterpart.
func RemotePath(conn config.Connection, localPath string) (string, error) {
	rel, err := filepath.Rel(conn.LocalRoot, localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", fs.ErrOutsideRoot, localPath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", fs.ErrOutsideRoot, localPath)
	}
	return fs.JoinRemote(conn.RemoteRoot, filepath.ToSlash(rel)), nil
}

// Enqueue accepts a filesystem change. An upload for a path that already
// has a queued upload is absorbed into it; an upload for a path whose
// previous upload is in flight marks that one superseded.
func (q *Queue) Enqueue(action status.Action, localPath string) (uint64, error) {
	remote, err := RemotePath(q.opts.Conn, localPath)
	if err != nil {
		return 0, err
	}
	if action == status.Delete && remote == fs.CleanRemote(q.opts.Conn.RemoteRoot) {
		return 0, fmt.Errorf("%w: refusing to delete remote root", fs.ErrOutsideRoot)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return 0, ErrStopped
	}

	if action == status.Upload {
		if last := q.lastPendingLocked(localPath); last != nil && last.Action == status.Upload {
			return last.ID, nil
		}
		if q.active != nil && q.active.LocalPath == localPath && q.active.Action == status.Upload &&
			(q.active.Phase == status.Transferring || q.active.Phase == status.Verifying) {
			q.active.superseded = true
		}
	}

	q.nextID++
	it := &item{Item: status.Item{
		ID:         q.nextID,
		LocalPath:  localPath,
		RemotePath: remote,
		Action:     action,
		Phase:      status.Queued,
	}}
	q.pending = append(q.pending, it)

	if q.busyLocked() && isClosed(q.idle) {
		q.idle = make(chan struct{})
	}

	q.publishLocked(it)
	q.countsLocked()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.ID, nil
}

func (q *Queue) lastPendingLocked(localPath string) *item {
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].LocalPath == localPath {
			return q.pending[i]
		}
	}
	return nil
}

func (q *Queue) busyLocked() bool {
	return len(q.pending) > 0 || q.active != nil
}

func (q *Queue) countsLocked() {
	active := 0
	if q.active != nil {
		active = 1
	}
	metrics.SetQueuePending(q.opts.Conn.ID, len(q.pending))
	if q.opts.Tracker != nil {
		q.opts.Tracker.SetCounts(len(q.pending), active)
	}
}

func (q *Queue) publishLocked(it *item) {
	if q.opts.Tracker != nil {
		q.opts.Tracker.Publish(it.Item)
	}
}

// setPhase moves it to phase and publishes the transition.
func (q *Queue) setPhase(it *item, phase status.Phase) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it.Phase = phase
	q.publishLocked(it)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Pending returns the number of items waiting to start.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain waits until no item is pending or active.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.busyLocked() {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop drops pending items and waits for the active one to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	dropped := len(q.pending)
	q.pending = nil
	q.countsLocked()
	close(q.stop)
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Infof("Queue: Dropped %d pending items", dropped)
	}
	<-q.done
}

func (q *Queue) next() *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		if !isClosed(q.idle) {
			close(q.idle)
		}
		return nil
	}

	it := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active = it
	q.countsLocked()
	return it
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		if it := q.next(); it != nil {
			q.process(it)

			q.mu.Lock()
			q.active = nil
			q.countsLocked()
			q.mu.Unlock()
			continue
		}

		select {
		case <-q.wake:
		case <-q.stop:
			q.mu.Lock()
			if !isClosed(q.idle) {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) process(it *item) {
	var err error
	switch it.Action {
	case status.Upload:
		err = q.upload(it)
	case status.Delete:
		err = q.delete(it)
	default:
		err = fmt.Errorf("unknown action %q", it.Action)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if it.superseded {
		it.Note = status.NoteSuperseded
	}
	if err != nil {
		it.Phase = status.FailedPhase
		it.Error = err.Error()
		q.log.WithError(err).Warnf("Queue: Failed to %s %s", it.Action, it.RemotePath)
	} else {
		it.Phase = status.Complete
	}
	metrics.RecordQueueItem(q.opts.Conn.ID, string(it.Action), err == nil)
	q.publishLocked(it)
}

func (q *Queue) upload(it *item) error {
	q.setPhase(it, status.Transferring)

	info, err := q.opts.Local.Stat(it.LocalPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	if err != nil || !info.Mode().IsRegular() {
		// Saved then removed or replaced before we got to it.
		it.Note = status.NoteVanished
		q.setPhase(it, status.Verifying)
		return nil
	}
	it.BytesTotal = info.Size()

	var fingerprint uint64
	if q.opts.Conn.SkipUnchanged {
		fingerprint, err = q.fingerprint(it.LocalPath)
		if err != nil {
			return err
		}
		q.mu.Lock()
		previous, seen := q.fingerprints[it.RemotePath]
		q.mu.Unlock()
		if seen && previous == fingerprint {
			q.setPhase(it, status.Verifying)
			it.Note = status.NoteUnchanged
			return nil
		}
	}

	if err := q.ensureDirs(it.RemotePath); err != nil {
		return err
	}
	if err := q.publish(it); err != nil {
		return err
	}
	metrics.RecordBytesUploaded(q.opts.Conn.ID, it.BytesTotal)

	q.setPhase(it, status.Verifying)
	if q.opts.Verifier != nil {
		if _, err := q.opts.Verifier.VerifyUpload(it.LocalPath, it.RemotePath); err != nil {
			return err
		}
	}

	if q.opts.Conn.SkipUnchanged {
		q.mu.Lock()
		q.fingerprints[it.RemotePath] = fingerprint
		q.mu.Unlock()
	}
	if q.opts.Shard != nil {
		q.opts.Shard.UpsertChild(&fs.Node{
			Name:    path.Base(it.RemotePath),
			Path:    it.RemotePath,
			Size:    it.BytesTotal,
			ModTime: q.opts.Clock.Now().Unix(),
		})
	}

	q.log.Infof("Queue: Uploaded %s (%s)", it.RemotePath, humanize.Bytes(uint64(it.BytesTotal)))
	return nil
}

func (q *Queue) fingerprint(localPath string) (uint64, error) {
	file, err := q.opts.Local.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, file); err != nil {
		return 0, fmt.Errorf("failed to fingerprint local file: %w", err)
	}
	return digest.Sum64(), nil
}

// ensureDirs creates the missing ancestors of remotePath below the remote
// root, top-down. A concurrent creator winning the race is fine.
func (q *Queue) ensureDirs(remotePath string) error {
	dirs := fs.ParentDirs(q.opts.Conn.RemoteRoot, remotePath)

	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		if info, err := q.opts.Session.Stat(dir); err == nil {
			if !info.IsDir() {
				return fmt.Errorf("remote %s exists and is not a directory", dir)
			}
			continue
		} else if !fs.IsNotFound(err) {
			return fmt.Errorf("failed to stat remote dir %s: %w", dir, err)
		}

		if err := q.opts.Session.Mkdir(dir); err != nil {
			if info, statErr := q.opts.Session.Stat(dir); statErr != nil || !info.IsDir() {
				return fmt.Errorf("failed to create remote dir %s: %w", dir, err)
			}
			continue
		}

		if q.opts.Shard != nil {
			q.opts.Shard.UpsertChild(&fs.Node{Name: path.Base(dir), Path: dir, IsDir: true})
		}
	}
	return nil
}

// publish streams the local file to a temporary sibling and renames it
// over the final path. The temporary file is removed on any failure.
func (q *Queue) publish(it *item) error {
	file, err := q.opts.Local.Open(it.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	dir, name := path.Split(it.RemotePath)
	tmpPath := path.Join(dir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))

	var lastEmit time.Time
	var emitted int64 = -1
	progress := func(sent int64) {
		now := q.opts.Clock.Now()
		if sent < it.BytesTotal && now.Sub(lastEmit) < q.opts.ProgressInterval {
			return
		}
		lastEmit = now
		emitted = sent
		q.progress(it, sent)
	}

	if err := q.opts.Session.WriteStream(tmpPath, file, it.BytesTotal, progress); err != nil {
		q.removeTemp(tmpPath)
		return fmt.Errorf("failed to upload %s: %w", it.RemotePath, err)
	}
	if emitted != it.BytesTotal {
		q.progress(it, it.BytesTotal)
	}

	if err := q.opts.Session.Rename(tmpPath, it.RemotePath); err != nil {
		q.removeTemp(tmpPath)
		return fmt.Errorf("failed to publish %s: %w", it.RemotePath, err)
	}
	return nil
}

func (q *Queue) progress(it *item, sent int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it.BytesSent = sent
	if q.opts.Tracker != nil {
		q.opts.Tracker.Progress(it.Item)
	}
}

func (q *Queue) removeTemp(tmpPath string) {
	if err := q.opts.Session.Remove(tmpPath); err != nil && !fs.IsNotFound(err) {
		q.log.WithError(err).Warnf("Queue: Failed to remove temporary file %s", tmpPath)
	}
}

func (q *Queue) delete(it *item) error {
	q.setPhase(it, status.Deleting)

	info, err := q.opts.Session.Stat(it.RemotePath)
	if fs.IsNotFound(err) {
		q.forget(it.RemotePath)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to stat %s: %w", it.RemotePath, err)
	}

	if info.IsDir() {
		err = q.removeTree(it.RemotePath)
	} else {
		err = q.opts.Session.Remove(it.RemotePath)
	}
	if err != nil && !fs.IsNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", it.RemotePath, err)
	}

	q.forget(it.RemotePath)
	q.log.Infof("Queue: Deleted %s", it.RemotePath)
	return nil
}

func (q *Queue) forget(remotePath string) {
	if q.opts.Shard != nil {
		q.opts.Shard.RemoveChild(remotePath)
	}
}

// removeTree deletes files as it walks and then the directories bottom-up.
func (q *Queue) removeTree(root string) error {
	dirs := []string{root}

	for i := 0; i < len(dirs); i++ {
		infos, err := q.opts.Session.ReadDir(dirs[i])
		if err != nil {
			return err
		}
		for _, node := range fs.NodesFromInfos(dirs[i], infos) {
			if node.IsDir {
				dirs = append(dirs, node.Path)
				continue
			}
			if err := q.opts.Session.Remove(node.Path); err != nil && !fs.IsNotFound(err) {
				return err
			}
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := q.opts.Session.RemoveDir(dirs[i]); err != nil && !fs.IsNotFound(err) {
			return err
		}
	}
	return nil
}
