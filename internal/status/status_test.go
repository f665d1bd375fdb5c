package status

import (
	"fmt"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStatusTest(t *testing.T) (*Tracker, <-chan Update, func()) {
	tracker := NewTracker("conn", clockwork.NewFakeClock())
	updates, cancel := tracker.Subscribe(64)
	return tracker, updates, cancel
}

func drain(updates <-chan Update) []Update {
	var out []Update
	for {
		select {
		case u := <-updates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestPublishLifecycle(t *testing.T) {
	tracker, updates, cancel := setupStatusTest(t)
	defer cancel()

	item := Item{ID: 1, LocalPath: "/work/a.txt", Action: Upload, Phase: Queued}
	tracker.Publish(item)
	item.Phase = Transferring
	tracker.Publish(item)
	item.Phase = Complete
	tracker.Publish(item)

	got := drain(updates)
	require.Len(t, got, 4)
	assert.Equal(t, KindItem, got[0].Kind)
	assert.Equal(t, Queued, got[0].Item.Phase)
	assert.Equal(t, Transferring, got[1].Item.Phase)
	assert.Equal(t, Complete, got[2].Item.Phase)
	assert.Equal(t, KindStatus, got[3].Kind)
	assert.Equal(t, "conn", got[3].ConnectionID)
	assert.Equal(t, 1, got[3].Status.Processed)

	snapshot := tracker.Snapshot()
	assert.Equal(t, "/work/a.txt", snapshot.LastPath)
	assert.Equal(t, Complete, snapshot.LastPhase)
	require.Len(t, snapshot.Recent, 1)
}

func TestFailedItems(t *testing.T) {
	tracker, _, cancel := setupStatusTest(t)
	defer cancel()

	tracker.Publish(Item{ID: 1, LocalPath: "/a", Phase: FailedPhase, Error: "hash mismatch"})

	snapshot := tracker.Snapshot()
	assert.Equal(t, 1, snapshot.Failed)
	assert.Equal(t, "hash mismatch", snapshot.LastError)
	assert.Equal(t, FailedPhase, snapshot.LastPhase)

	tracker.Publish(Item{ID: 2, LocalPath: "/b", Phase: Complete})

	snapshot = tracker.Snapshot()
	assert.Equal(t, 1, snapshot.Failed)
	assert.Equal(t, 1, snapshot.Processed)
	assert.Empty(t, snapshot.LastError, "a later success clears the error")
	assert.Equal(t, "/b", snapshot.LastPath)
	assert.Equal(t, Complete, snapshot.LastPhase)
	require.Len(t, snapshot.Recent, 2)
	assert.Equal(t, "hash mismatch", snapshot.Recent[1].Error, "the failure stays in the history")
}

func TestRecentRingIsBounded(t *testing.T) {
	tracker, _, cancel := setupStatusTest(t)
	defer cancel()

	for i := 1; i <= RecentSize+4; i++ {
		tracker.Publish(Item{ID: uint64(i), LocalPath: fmt.Sprintf("/f%d", i), Phase: Complete})
	}

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot.Recent, RecentSize)
	assert.Equal(t, uint64(RecentSize+4), snapshot.Recent[0].ID, "newest first")
	assert.Equal(t, uint64(5), snapshot.Recent[RecentSize-1].ID)
	assert.Equal(t, RecentSize+4, snapshot.Processed)

	t.Run("clear history keeps counters", func(t *testing.T) {
		tracker.ClearHistory()
		snapshot := tracker.Snapshot()
		assert.Empty(t, snapshot.Recent)
		assert.Empty(t, snapshot.LastPath)
		assert.Equal(t, RecentSize+4, snapshot.Processed)
	})

	t.Run("reset counters", func(t *testing.T) {
		tracker.ResetCounters()
		assert.Zero(t, tracker.Snapshot().Processed)
	})
}

func TestSetCounts(t *testing.T) {
	tracker, updates, cancel := setupStatusTest(t)
	defer cancel()

	tracker.SetCounts(2, 1)
	tracker.SetCounts(2, 1)
	tracker.SetCounts(1, 1)

	got := drain(updates)
	require.Len(t, got, 2, "unchanged counts are not re-emitted")
	assert.Equal(t, 1, got[1].Status.Pending)
}

func TestSubscribers(t *testing.T) {
	tracker := NewTracker("conn", nil)

	slow, cancelSlow := tracker.Subscribe(0)
	fast, cancelFast := tracker.Subscribe(8)

	tracker.SetWatching(true)

	select {
	case <-slow:
		t.Fatal("unbuffered subscriber without a reader must be skipped")
	default:
	}
	update := <-fast
	assert.True(t, update.Status.Watching)

	cancelSlow()
	cancelSlow()
	_, open := <-slow
	assert.False(t, open)

	tracker.Close()
	_, open = <-fast
	assert.False(t, open)
	cancelFast()
}

func TestIndexEvents(t *testing.T) {
	tracker, updates, cancel := setupStatusTest(t)
	defer cancel()

	tracker.PublishIndex(IndexEvent{Type: IndexEmpty, Path: "/site/empty"})

	got := drain(updates)
	require.Len(t, got, 1)
	assert.Equal(t, KindIndex, got[0].Kind)
	assert.Equal(t, "/site/empty", got[0].Index.Path)
}
