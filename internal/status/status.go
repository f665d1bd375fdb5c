// Package status tracks per-connection queue activity and pushes every
// change to subscribers over channels.
package status

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RecentSize bounds the history ring of terminal items.
const RecentSize = 8

type Action string

const (
	Upload Action = "upload"
	Delete Action = "delete"
)

type Phase string

const (
	Queued       Phase = "queued"
	Transferring Phase = "transferring"
	Verifying    Phase = "verifying"
	Deleting     Phase = "deleting"
	Complete     Phase = "complete"
	FailedPhase  Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p == Complete || p == FailedPhase
}

const (
	NoteSuperseded = "superseded by a newer save"
	NoteUnchanged  = "unchanged"
	NoteVanished   = "local file vanished before upload"
)

type Item struct {
	ID         uint64    `json:"id"`
	LocalPath  string    `json:"localPath"`
	RemotePath string    `json:"remotePath"`
	Action     Action    `json:"action"`
	Phase      Phase     `json:"phase"`
	Error      string    `json:"error,omitempty"`
	BytesSent  int64     `json:"bytesSent,omitempty"`
	BytesTotal int64     `json:"bytesTotal,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Note       string    `json:"note,omitempty"`
}

type QueueStatus struct {
	ConnectionID string `json:"connectionId"`
	Watching     bool   `json:"watching"`
	Pending      int    `json:"pending"`
	Active       int    `json:"active"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
	LastPath     string `json:"lastPath,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	LastPhase    Phase  `json:"lastPhase,omitempty"`
	Recent       []Item `json:"recent"`
}

type IndexEventType string

const (
	IndexProgress IndexEventType = "progress"
	IndexEmpty    IndexEventType = "empty"
	IndexError    IndexEventType = "error"
	IndexDone     IndexEventType = "done"
)

type IndexEvent struct {
	Type    IndexEventType `json:"type"`
	Path    string         `json:"path,omitempty"`
	Listed  int            `json:"listed,omitempty"`
	Pending int            `json:"pending,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type UpdateKind string

const (
	KindItem   UpdateKind = "item"
	KindStatus UpdateKind = "status"
	KindIndex  UpdateKind = "index"
)

// Update is one push notification. Exactly one of Item, Status or Index is set.
type Update struct {
	Kind         UpdateKind   `json:"kind"`
	ConnectionID string       `json:"connectionId"`
	Item         *Item        `json:"item,omitempty"`
	Status       *QueueStatus `json:"status,omitempty"`
	Index        *IndexEvent  `json:"index,omitempty"`
}

// Tracker owns the status of one connection.
type Tracker struct {
	conn  string
	clock clockwork.Clock

	mu          sync.Mutex
	status      QueueStatus
	recent      []Item
	subscribers map[chan Update]struct{}
}

func NewTracker(conn string, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		conn:        conn,
		clock:       clock,
		status:      QueueStatus{ConnectionID: conn},
		subscribers: make(map[chan Update]struct{}),
	}
}

// Subscribe returns a channel receiving every update until the returned
// cancel func is called. Slow subscribers miss updates rather than block.
func (t *Tracker) Subscribe(buffer int) (<-chan Update, func()) {
	ch := make(chan Update, buffer)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// broadcast must be called with lock held.
func (t *Tracker) broadcast(update Update) {
	update.ConnectionID = t.conn
	for ch := range t.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// snapshotLocked must be called with lock held.
func (t *Tracker) snapshotLocked() QueueStatus {
	status := t.status
	status.Recent = append(make([]Item, 0, len(t.recent)), t.recent...)
	return status
}

func (t *Tracker) emitStatusLocked() {
	status := t.snapshotLocked()
	t.broadcast(Update{Kind: KindStatus, Status: &status})
}

func (t *Tracker) SetWatching(watching bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Watching = watching
	t.emitStatusLocked()
}

// SetCounts records the queue depth and emits a status update when it changed.
func (t *Tracker) SetCounts(pending, active int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Pending == pending && t.status.Active == active {
		return
	}
	t.status.Pending = pending
	t.status.Active = active
	t.emitStatusLocked()
}

// Publish records an item transition. Terminal phases update the counters
// and the recent ring and are followed by a status update.
func (t *Tracker) Publish(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item.UpdatedAt = t.clock.Now()
	t.broadcast(Update{Kind: KindItem, Item: &item})

	t.status.LastPath = item.LocalPath
	t.status.LastPhase = item.Phase
	t.status.LastError = item.Error

	if !item.Phase.Terminal() {
		return
	}

	if item.Phase == Complete {
		t.status.Processed++
	} else {
		t.status.Failed++
	}

	t.recent = append([]Item{item}, t.recent...)
	if len(t.recent) > RecentSize {
		t.recent = t.recent[:RecentSize]
	}
	t.emitStatusLocked()
}

// Progress reports bytes sent without touching aggregate state.
func (t *Tracker) Progress(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item.UpdatedAt = t.clock.Now()
	t.broadcast(Update{Kind: KindItem, Item: &item})
}

func (t *Tracker) PublishIndex(event IndexEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.broadcast(Update{Kind: KindIndex, Index: &event})
}

func (t *Tracker) Snapshot() QueueStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// ClearHistory empties the recent ring and the last-item fields.
func (t *Tracker) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = nil
	t.status.LastPath = ""
	t.status.LastError = ""
	t.status.LastPhase = ""
	t.emitStatusLocked()
}

// ResetCounters starts a new watcher session.
func (t *Tracker) ResetCounters() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Processed = 0
	t.status.Failed = 0
	t.recent = nil
	t.status.LastPath = ""
	t.status.LastError = ""
	t.status.LastPhase = ""
}

// Close ends every subscription.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ch := range t.subscribers {
		delete(t.subscribers, ch)
		close(ch)
	}
}
