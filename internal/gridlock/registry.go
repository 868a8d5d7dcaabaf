package gridlock

import (
	"sort"
	"sync"
	"time"
)

type LockEntry struct {
	Cell           CellID    `json:"cell"`
	OwnerSessionID string    `json:"ownerSessionId,omitempty"`
	AcquiredAt     time.Time `json:"acquiredAt"`
}

// LockRegistry is the client's best-known mirror of active locks for one
// dataset. It is a mirror: a staleness window between server truth and this
// view is expected and is never treated as an error. Entries for other
// datasets are never applied.
type LockRegistry struct {
	mu        sync.RWMutex
	datasetID string
	entries   map[CellID]LockEntry
}

func NewLockRegistry(datasetID string) *LockRegistry {
	return &LockRegistry{
		datasetID: datasetID,
		entries:   map[CellID]LockEntry{},
	}
}

func (r *LockRegistry) DatasetID() string {
	if r == nil {
		return ""
	}
	return r.datasetID
}

// ApplySnapshot replaces the entire registry with the provided entries. This
// is the authoritative resync point: stale local entries absent from the
// snapshot are dropped.
func (r *LockRegistry) ApplySnapshot(entries []LockEntry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[CellID]LockEntry, len(entries))
	for _, entry := range entries {
		if !entry.Cell.Lockable() {
			continue
		}
		if entry.AcquiredAt.IsZero() {
			entry.AcquiredAt = time.Now().UTC()
		}
		next[entry.Cell] = entry
	}
	r.entries = next
}

// ApplyLocked idempotently inserts or overwrites the entry for cell. A
// repeat broadcast from the same owner keeps the original acquisition time.
func (r *LockRegistry) ApplyLocked(datasetID string, cell CellID, ownerSessionID string) {
	if r == nil || datasetID != r.datasetID || !cell.Lockable() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[cell]; ok && existing.OwnerSessionID == ownerSessionID {
		return
	}
	r.entries[cell] = LockEntry{
		Cell:           cell,
		OwnerSessionID: ownerSessionID,
		AcquiredAt:     time.Now().UTC(),
	}
}

// ApplyUnlocked removes the entry for cell. Removing an absent entry is a
// no-op: the snapshot may already have cleared it.
func (r *LockRegistry) ApplyUnlocked(datasetID string, cell CellID) {
	if r == nil || datasetID != r.datasetID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cell)
}

// IsLockedByOther reports whether cell is locked by a session other than
// sessionID. A client's own lock never blocks its own editing. Snapshot
// entries with no recorded owner count as foreign.
func (r *LockRegistry) IsLockedByOther(cell CellID, sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[cell]
	if !ok {
		return false
	}
	return entry.OwnerSessionID == "" || entry.OwnerSessionID != sessionID
}

func (r *LockRegistry) Owner(cell CellID) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[cell]
	if !ok {
		return "", false
	}
	return entry.OwnerSessionID, true
}

func (r *LockRegistry) Entries() []LockEntry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]LockEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Cell.RowID == entries[j].Cell.RowID {
			return entries[i].Cell.Field < entries[j].Cell.Field
		}
		return entries[i].Cell.RowID < entries[j].Cell.RowID
	})
	return entries
}

func (r *LockRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type ConnectivitySnapshot struct {
	ChannelConnected bool `json:"channelConnected"`
	BackendReachable bool `json:"backendReachable"`
	ReconnectFailed  bool `json:"reconnectFailed"`
}

// ConnectivityState gates editing: both the channel and the backing store
// must be reachable before an edit may begin. ReconnectFailed is the
// terminal condition after reconnect attempts are exhausted; reads still
// work, locking and editing do not.
type ConnectivityState struct {
	mu               sync.RWMutex
	channelConnected bool
	backendReachable bool
	reconnectFailed  bool
}

func NewConnectivityState() *ConnectivityState {
	// The backing store is presumed reachable until the channel reports
	// otherwise; the channel itself starts disconnected.
	return &ConnectivityState{backendReachable: true}
}

func (c *ConnectivityState) SetChannelConnected(connected bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelConnected = connected
	if connected {
		c.reconnectFailed = false
	}
}

func (c *ConnectivityState) SetBackendReachable(reachable bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backendReachable = reachable
}

func (c *ConnectivityState) SetReconnectFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelConnected = false
	c.reconnectFailed = true
}

func (c *ConnectivityState) EditingAllowed() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelConnected && c.backendReachable
}

func (c *ConnectivityState) State() ConnectivitySnapshot {
	if c == nil {
		return ConnectivitySnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectivitySnapshot{
		ChannelConnected: c.channelConnected,
		BackendReachable: c.backendReachable,
		ReconnectFailed:  c.reconnectFailed,
	}
}
