package gridlock

import (
	"testing"
	"time"
)

func newTestSession(t *testing.T, hub *testHub) *DatasetSession {
	t.Helper()
	session, err := NewDatasetSession(DatasetSessionOptions{
		DatasetID:  "ds1",
		SessionID:  "sess-me",
		ChannelURL: hub.url(),
		KeyFields:  []string{"name"},
		Submitter:  &scriptedSubmitter{},
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestDatasetSessionValidation(t *testing.T) {
	hub := newTestHub(t)
	if _, err := NewDatasetSession(DatasetSessionOptions{ChannelURL: hub.url(), Submitter: &scriptedSubmitter{}}); err == nil {
		t.Fatalf("expected error without dataset id")
	}
	if _, err := NewDatasetSession(DatasetSessionOptions{DatasetID: "ds1", ChannelURL: hub.url()}); err == nil {
		t.Fatalf("expected error without submitter")
	}

	session, err := NewDatasetSession(DatasetSessionOptions{
		DatasetID:  "ds1",
		ChannelURL: hub.url(),
		Submitter:  &scriptedSubmitter{},
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	defer session.Close()
	if session.SessionID() == "" {
		t.Fatalf("session id not generated")
	}
}

func TestDatasetSessionDispatch(t *testing.T) {
	hub := newTestHub(t)
	session := newTestSession(t, hub)

	session.HandleInbound(InboundMessage{
		Type:     MessageSnapshot,
		Snapshot: map[string]map[string]bool{"r1": {"status": true}},
	})
	if session.Registry().Len() != 1 {
		t.Fatalf("snapshot not applied, registry has %d entries", session.Registry().Len())
	}

	session.HandleInbound(InboundMessage{
		Type:   MessageLocked,
		Locked: &LockedPayload{DatasetID: "ds1", RowID: "r2", Field: "a", SessionID: "sess-them"},
	})
	if owner, _ := session.Registry().Owner(CellID{RowID: "r2", Field: "a"}); owner != "sess-them" {
		t.Fatalf("locked broadcast not applied, owner %q", owner)
	}

	session.HandleInbound(InboundMessage{
		Type:     MessageUnlocked,
		Unlocked: &UnlockedPayload{DatasetID: "ds1", RowID: "r2", Field: "a"},
	})
	if _, ok := session.Registry().Owner(CellID{RowID: "r2", Field: "a"}); ok {
		t.Fatalf("unlocked broadcast not applied")
	}

	session.HandleInbound(InboundMessage{
		Type:         MessageConnectivity,
		Connectivity: &ConnectivityPayload{BackendReachable: false},
	})
	if session.Connectivity().State().BackendReachable {
		t.Fatalf("connectivity message not applied")
	}
}

func TestDatasetSessionIgnoresForeignDataset(t *testing.T) {
	hub := newTestHub(t)
	session := newTestSession(t, hub)

	session.HandleInbound(InboundMessage{
		Type:   MessageLocked,
		Locked: &LockedPayload{DatasetID: "other", RowID: "r1", Field: "a", SessionID: "sess-them"},
	})
	if session.Registry().Len() != 0 {
		t.Fatalf("lock for another dataset was applied")
	}

	session.HandleInbound(InboundMessage{
		Type:     MessageUnlocked,
		Unlocked: &UnlockedPayload{DatasetID: "other", RowID: "r1", Field: "a"},
	})
}

func TestDatasetSessionLiveRoundTrip(t *testing.T) {
	hub := newTestHub(t)
	session := newTestSession(t, hub)
	session.Connect()

	waitFor(t, 2*time.Second, func() bool { return len(hub.receivedTypes()) >= 2 })

	hub.push(t, `{"type":"snapshot","payload":{"r9":{"status":true}}}`)
	waitFor(t, 2*time.Second, func() bool { return session.Registry().Len() == 1 })
	if session.Registry().IsLockedByOther(CellID{RowID: "r9", Field: "status"}, "sess-me") != true {
		t.Fatalf("snapshot lock not foreign")
	}
}
