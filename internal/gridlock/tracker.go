package gridlock

import (
	"sync"
	"time"
)

type EditStatus string

const (
	EditPending EditStatus = "pending"
	EditSuccess EditStatus = "success"
	EditFailed  EditStatus = "failed"
)

type EditAttempt struct {
	AttemptID string     `json:"attemptId"`
	Cell      CellID     `json:"cell"`
	OldValue  string     `json:"oldValue"`
	NewValue  string     `json:"newValue"`
	Status    EditStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
}

// EditTracker keeps the most recent in-flight or completed edit outcome per
// row, for optimistic display and rollback decisions. The editor is the only
// writer. Resolved outcomes are discarded once acknowledged; no durable
// history is kept here.
type EditTracker struct {
	mu    sync.RWMutex
	byRow map[string]EditAttempt
}

func NewEditTracker() *EditTracker {
	return &EditTracker{byRow: map[string]EditAttempt{}}
}

func (t *EditTracker) Record(attempt EditAttempt) {
	if t == nil || attempt.Cell.RowID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byRow[attempt.Cell.RowID] = attempt
}

// Resolve marks the tracked attempt for attemptID with the final status. A
// stale attemptID (superseded by a newer edit on the same row) is ignored.
func (t *EditTracker) Resolve(attemptID string, status EditStatus, reason string) {
	if t == nil || attemptID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for rowID, attempt := range t.byRow {
		if attempt.AttemptID != attemptID {
			continue
		}
		attempt.Status = status
		attempt.Reason = reason
		t.byRow[rowID] = attempt
		return
	}
}

func (t *EditTracker) Outcome(rowID string) (EditAttempt, bool) {
	if t == nil {
		return EditAttempt{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	attempt, ok := t.byRow[rowID]
	return attempt, ok
}

// Acknowledge discards a resolved outcome. Pending attempts stay tracked.
func (t *EditTracker) Acknowledge(rowID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt, ok := t.byRow[rowID]
	if !ok || attempt.Status == EditPending {
		return
	}
	delete(t.byRow, rowID)
}

func (t *EditTracker) Outcomes() []EditAttempt {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	outcomes := make([]EditAttempt, 0, len(t.byRow))
	for _, attempt := range t.byRow {
		outcomes = append(outcomes, attempt)
	}
	return outcomes
}
