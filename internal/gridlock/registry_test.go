package gridlock

import (
	"testing"
	"time"
)

func TestApplyLockedIsIdempotentForSameOwner(t *testing.T) {
	registry := NewLockRegistry("ds1")
	cell := CellID{RowID: "r1", Field: "status"}

	registry.ApplyLocked("ds1", cell, "sess-a")
	first := registry.Entries()
	if len(first) != 1 {
		t.Fatalf("expected one entry, got %d", len(first))
	}
	acquiredAt := first[0].AcquiredAt

	time.Sleep(5 * time.Millisecond)
	registry.ApplyLocked("ds1", cell, "sess-a")
	entries := registry.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry after repeat, got %d", len(entries))
	}
	if !entries[0].AcquiredAt.Equal(acquiredAt) {
		t.Fatalf("repeat broadcast changed acquisition time: %s vs %s", entries[0].AcquiredAt, acquiredAt)
	}

	// A different owner overwrites.
	registry.ApplyLocked("ds1", cell, "sess-b")
	owner, ok := registry.Owner(cell)
	if !ok || owner != "sess-b" {
		t.Fatalf("expected sess-b to own the cell, got %q", owner)
	}
}

func TestApplyUnlockedAbsentEntryIsNoop(t *testing.T) {
	registry := NewLockRegistry("ds1")
	registry.ApplyUnlocked("ds1", CellID{RowID: "r1", Field: "a"})
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", registry.Len())
	}

	registry.ApplyLocked("ds1", CellID{RowID: "r1", Field: "a"}, "sess-a")
	registry.ApplyUnlocked("ds1", CellID{RowID: "r1", Field: "a"})
	registry.ApplyUnlocked("ds1", CellID{RowID: "r1", Field: "a"})
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry after unlock, got %d entries", registry.Len())
	}
}

func TestCrossDatasetUpdatesAreIgnored(t *testing.T) {
	registry := NewLockRegistry("ds1")
	cell := CellID{RowID: "r1", Field: "a"}

	registry.ApplyLocked("ds2", cell, "sess-a")
	if registry.Len() != 0 {
		t.Fatalf("lock for another dataset was applied")
	}

	registry.ApplyLocked("ds1", cell, "sess-a")
	registry.ApplyUnlocked("ds2", cell)
	if registry.Len() != 1 {
		t.Fatalf("unlock for another dataset removed an entry")
	}
}

func TestApplySnapshotReplacesEverything(t *testing.T) {
	registry := NewLockRegistry("ds1")
	registry.ApplyLocked("ds1", CellID{RowID: "stale", Field: "a"}, "sess-a")

	registry.ApplySnapshot([]LockEntry{
		{Cell: CellID{RowID: "r1", Field: "a"}, OwnerSessionID: "sess-b"},
		{Cell: CellID{RowID: "r2", Field: "b"}},
		{Cell: CellID{RowID: "", Field: "x"}}, // unlockable, dropped
	})

	entries := registry.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if _, ok := registry.Owner(CellID{RowID: "stale", Field: "a"}); ok {
		t.Fatalf("stale entry survived the snapshot")
	}
	if entries[0].Cell.RowID != "r1" || entries[1].Cell.RowID != "r2" {
		t.Fatalf("entries not sorted: %+v", entries)
	}
}

func TestIsLockedByOther(t *testing.T) {
	registry := NewLockRegistry("ds1")
	mine := CellID{RowID: "r1", Field: "a"}
	theirs := CellID{RowID: "r2", Field: "a"}
	anonymous := CellID{RowID: "r3", Field: "a"}

	registry.ApplyLocked("ds1", mine, "sess-me")
	registry.ApplyLocked("ds1", theirs, "sess-them")
	registry.ApplySnapshot([]LockEntry{
		{Cell: mine, OwnerSessionID: "sess-me"},
		{Cell: theirs, OwnerSessionID: "sess-them"},
		{Cell: anonymous},
	})

	if registry.IsLockedByOther(mine, "sess-me") {
		t.Fatalf("own lock reported as foreign")
	}
	if !registry.IsLockedByOther(theirs, "sess-me") {
		t.Fatalf("foreign lock not reported")
	}
	// Ownerless snapshot entries block editing conservatively.
	if !registry.IsLockedByOther(anonymous, "sess-me") {
		t.Fatalf("ownerless lock should count as foreign")
	}
	if registry.IsLockedByOther(CellID{RowID: "free", Field: "a"}, "sess-me") {
		t.Fatalf("unlocked cell reported as locked")
	}
}

func TestConnectivityStateGatesEditing(t *testing.T) {
	state := NewConnectivityState()
	if state.EditingAllowed() {
		t.Fatalf("editing allowed before the channel connected")
	}

	state.SetChannelConnected(true)
	if !state.EditingAllowed() {
		t.Fatalf("editing not allowed with channel up and backend reachable")
	}

	state.SetBackendReachable(false)
	if state.EditingAllowed() {
		t.Fatalf("editing allowed while backend unreachable")
	}
	state.SetBackendReachable(true)

	state.SetReconnectFailed()
	snapshot := state.State()
	if !snapshot.ReconnectFailed || snapshot.ChannelConnected {
		t.Fatalf("unexpected snapshot after terminal failure: %+v", snapshot)
	}
	if state.EditingAllowed() {
		t.Fatalf("editing allowed after reconnect failure")
	}

	// A successful reconnect clears the terminal flag.
	state.SetChannelConnected(true)
	if state.State().ReconnectFailed {
		t.Fatalf("reconnect failure flag survived a successful connect")
	}
}
