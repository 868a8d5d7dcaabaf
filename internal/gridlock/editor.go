package gridlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EditState string

const (
	StateIdle        EditState = "idle"
	StateLockPending EditState = "lockPending"
	StateEditing     EditState = "editing"
	StateCommitting  EditState = "committing"
	StateCommitted   EditState = "committed"
	StateRejected    EditState = "rejected"
)

type MessageSender interface {
	Send(ctx context.Context, envelope Envelope) error
}

// EditorHooks are the editor's outbound notifications to the UI layer. All
// hooks are optional; a nil hook is skipped. Hooks run inside the editor's
// event handling and must not call back into the editor.
type EditorHooks struct {
	// RestoreValue rolls the displayed value of a cell back after a rejected
	// or abandoned edit.
	RestoreValue func(cell CellID, value string)
	// RefreshValue displays a value published by another session's unlock.
	RefreshValue func(cell CellID, value string)
	// ReleaseFocus is called before RefreshValue so an open edit control
	// cannot silently reopen on the refreshed cell.
	ReleaseFocus func(cell CellID)
	// NotEditable reports a refused edit start. Frequent and normal.
	NotEditable func(cell CellID, reason string)
	// EditRejected reports an abandoned optimistic edit (lost lock race,
	// resync drop).
	EditRejected func(cell CellID, reason string)
	// CommitFailed reports a rolled-back commit, exactly once per attempt.
	CommitFailed func(cell CellID, reason string)
}

type EditorOptions struct {
	DatasetID    string
	SessionID    string
	KeyFields    []string
	Registry     *LockRegistry
	Connectivity *ConnectivityState
	Tracker      *EditTracker
	Sender       MessageSender
	Submitter    EditSubmitter
	Hooks        EditorHooks
	SettleDelay  time.Duration
	SendTimeout  time.Duration
	Logger       Logger
}

type editAttempt struct {
	attemptID string
	cell      CellID
	oldValue  string
	state     EditState
	newRow    bool
}

// Editor drives the per-cell edit lifecycle
// idle -> lockPending -> editing -> committing -> {committed|rejected} -> idle.
// Concurrent attempts on different cells are independent. All coordination
// state is mutated under one mutex; results of dispatched persistence calls
// are applied only if the originating attempt is still current.
type Editor struct {
	mu           sync.Mutex
	datasetID    string
	sessionID    string
	keyFields    []string
	registry     *LockRegistry
	connectivity *ConnectivityState
	tracker      *EditTracker
	sender       MessageSender
	submitter    EditSubmitter
	hooks        EditorHooks
	settleDelay  time.Duration
	sendTimeout  time.Duration
	logger       Logger
	active       map[CellID]*editAttempt
	settling     map[CellID]*time.Timer
	closed       bool
}

func NewEditor(opts EditorOptions) (*Editor, error) {
	if strings.TrimSpace(opts.DatasetID) == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("lock registry is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("connectivity state is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("message sender is required")
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("edit submitter is required")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewEditTracker()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Editor{
		datasetID:    strings.TrimSpace(opts.DatasetID),
		sessionID:    strings.TrimSpace(opts.SessionID),
		keyFields:    append([]string(nil), opts.KeyFields...),
		registry:     opts.Registry,
		connectivity: opts.Connectivity,
		tracker:      tracker,
		sender:       opts.Sender,
		submitter:    opts.Submitter,
		hooks:        opts.Hooks,
		settleDelay:  opts.SettleDelay,
		sendTimeout:  sendTimeout,
		logger:       opts.Logger,
		active:       map[CellID]*editAttempt{},
		settling:     map[CellID]*time.Timer{},
	}, nil
}

func (e *Editor) Tracker() *EditTracker {
	if e == nil {
		return nil
	}
	return e.tracker
}

// BeginEdit starts an edit on cell. Refusal is a normal, frequent outcome
// reported through the NotEditable hook and ErrNotEditable; it is never
// logged as an error. Cells on rows without an identifier skip locking and
// go straight to editing.
func (e *Editor) BeginEdit(cell CellID, currentValue string) error {
	if e == nil {
		return ErrNotEditable
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.refuse(cell, "editor closed")
	}
	if _, ok := e.settling[cell]; ok {
		e.mu.Unlock()
		return e.refuse(cell, "value refresh in progress")
	}
	if _, ok := e.active[cell]; ok {
		e.mu.Unlock()
		return e.refuse(cell, "edit already in progress")
	}
	if !e.connectivity.EditingAllowed() {
		e.mu.Unlock()
		return e.refuse(cell, "connectivity lost")
	}
	if cell.Field == "" {
		e.mu.Unlock()
		return e.refuse(cell, "cell has no field")
	}
	if !cell.Lockable() {
		// New unsaved row: nothing to lock yet.
		e.active[cell] = &editAttempt{
			attemptID: newID("edit"),
			cell:      cell,
			oldValue:  currentValue,
			state:     StateEditing,
			newRow:    true,
		}
		e.mu.Unlock()
		return nil
	}
	if e.registry.IsLockedByOther(cell, e.sessionID) {
		e.mu.Unlock()
		return e.refuse(cell, "locked by another session")
	}
	attempt := &editAttempt{
		attemptID: newID("edit"),
		cell:      cell,
		oldValue:  currentValue,
		state:     StateLockPending,
	}
	e.active[cell] = attempt
	e.registry.ApplyLocked(e.datasetID, cell, e.sessionID)
	e.mu.Unlock()

	// Fire-and-forget: typing is not blocked on the server ack. A lost race
	// is corrected by the locked broadcast, a lost request by the next
	// snapshot.
	e.send(NewLockRequest(e.datasetID, cell, e.sessionID))

	e.mu.Lock()
	if current, ok := e.active[cell]; ok && current.attemptID == attempt.attemptID && current.state == StateLockPending {
		current.state = StateEditing
	}
	e.mu.Unlock()
	return nil
}

func (e *Editor) refuse(cell CellID, reason string) error {
	if e.hooks.NotEditable != nil {
		e.hooks.NotEditable(cell, reason)
	}
	return fmt.Errorf("%w: %s", ErrNotEditable, reason)
}

// CommitEdit completes the edit on an existing row. When newValue equals the
// value the edit started from, no persistence call is made and no value
// changes, but the lock is still released. A persistence rejection or
// transport failure rolls the displayed value back and returns
// ErrCommitRejected; the lock is released either way.
func (e *Editor) CommitEdit(ctx context.Context, cell CellID, newValue string) error {
	if e == nil {
		return ErrNoActiveEdit
	}
	e.mu.Lock()
	attempt, ok := e.active[cell]
	if !ok {
		e.mu.Unlock()
		return ErrNoActiveEdit
	}
	if attempt.newRow {
		e.mu.Unlock()
		return fmt.Errorf("%w: unsaved row, use CommitInsert", ErrInvalidInput)
	}
	if attempt.state == StateCommitting {
		e.mu.Unlock()
		return ErrCommitInFlight
	}
	if attempt.state != StateEditing && attempt.state != StateLockPending {
		e.mu.Unlock()
		return ErrNoActiveEdit
	}

	if newValue == attempt.oldValue {
		attempt.state = StateCommitted
		delete(e.active, cell)
		e.tracker.Record(EditAttempt{
			AttemptID: attempt.attemptID,
			Cell:      cell,
			OldValue:  attempt.oldValue,
			NewValue:  newValue,
			Status:    EditSuccess,
			StartedAt: time.Now().UTC(),
		})
		e.registry.ApplyUnlocked(e.datasetID, cell)
		e.mu.Unlock()
		e.send(NewUnlockRequest(e.datasetID, cell, nil, e.sessionID))
		return nil
	}

	attempt.state = StateCommitting
	attemptID := attempt.attemptID
	oldValue := attempt.oldValue
	e.tracker.Record(EditAttempt{
		AttemptID: attemptID,
		Cell:      cell,
		OldValue:  oldValue,
		NewValue:  newValue,
		Status:    EditPending,
		StartedAt: time.Now().UTC(),
	})
	e.mu.Unlock()

	result, err := e.submitter.SubmitEdit(ctx, SubmitEditRequest{
		DatasetID:        e.datasetID,
		RowID:            cell.RowID,
		Field:            cell.Field,
		ExpectedOldValue: oldValue,
		NewValue:         newValue,
	})
	if err == nil && result.OK {
		return e.finishCommit(cell, attemptID, newValue)
	}
	reason := strings.TrimSpace(result.Reason)
	if err != nil {
		// Outcome unknown: assume not persisted and roll back.
		reason = err.Error()
	}
	if reason == "" {
		reason = "rejected"
	}
	return e.rejectCommit(cell, attemptID, oldValue, reason)
}

func (e *Editor) finishCommit(cell CellID, attemptID, newValue string) error {
	e.mu.Lock()
	e.tracker.Resolve(attemptID, EditSuccess, "")
	attempt, ok := e.active[cell]
	if !ok || attempt.attemptID != attemptID {
		// Cancelled or superseded while the call was in flight; the unlock
		// for this attempt was already sent.
		e.mu.Unlock()
		return nil
	}
	attempt.state = StateCommitted
	delete(e.active, cell)
	e.registry.ApplyUnlocked(e.datasetID, cell)
	e.mu.Unlock()
	e.send(NewUnlockRequest(e.datasetID, cell, &newValue, e.sessionID))
	return nil
}

func (e *Editor) rejectCommit(cell CellID, attemptID, oldValue, reason string) error {
	e.mu.Lock()
	e.tracker.Resolve(attemptID, EditFailed, reason)
	attempt, ok := e.active[cell]
	if !ok || attempt.attemptID != attemptID {
		// A newer edit superseded this one; a stale restoration must not
		// clobber its state.
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCommitRejected, reason)
	}
	attempt.state = StateRejected
	delete(e.active, cell)
	e.registry.ApplyUnlocked(e.datasetID, cell)
	restore := e.hooks.RestoreValue
	failed := e.hooks.CommitFailed
	e.mu.Unlock()
	if restore != nil {
		restore(cell, oldValue)
	}
	if failed != nil {
		failed(cell, reason)
	}
	e.send(NewUnlockRequest(e.datasetID, cell, &oldValue, e.sessionID))
	return fmt.Errorf("%w: %s", ErrCommitRejected, reason)
}

// CommitInsert completes the first commit on an unsaved row. The selector is
// the natural key derived from the configured key fields; until at least one
// key field is populated the row stays in editing (ErrRowNotReady, no commit,
// no unlock). On success the identifier assigned by the persistence layer is
// returned and recorded.
func (e *Editor) CommitInsert(ctx context.Context, cell CellID, row map[string]string) (string, error) {
	if e == nil {
		return "", ErrNoActiveEdit
	}
	e.mu.Lock()
	attempt, ok := e.active[cell]
	if !ok || !attempt.newRow {
		e.mu.Unlock()
		return "", ErrNoActiveEdit
	}
	if attempt.state == StateCommitting {
		e.mu.Unlock()
		return "", ErrCommitInFlight
	}
	naturalKey := ""
	for _, field := range e.keyFields {
		if value := strings.TrimSpace(row[field]); value != "" {
			naturalKey = value
			break
		}
	}
	if naturalKey == "" {
		// Recoverable: the user has not filled a key field yet.
		e.mu.Unlock()
		return "", ErrRowNotReady
	}
	attempt.state = StateCommitting
	attemptID := attempt.attemptID
	oldValue := attempt.oldValue
	e.tracker.Record(EditAttempt{
		AttemptID: attemptID,
		Cell:      CellID{RowID: naturalKey, Field: cell.Field},
		OldValue:  oldValue,
		NewValue:  row[cell.Field],
		Status:    EditPending,
		StartedAt: time.Now().UTC(),
	})
	e.mu.Unlock()

	result, err := e.submitter.InsertRow(ctx, InsertRowRequest{
		DatasetID: e.datasetID,
		KeyFields: append([]string(nil), e.keyFields...),
		Row:       row,
	})
	if err == nil && result.OK {
		e.mu.Lock()
		e.tracker.Resolve(attemptID, EditSuccess, "")
		if current, ok := e.active[cell]; ok && current.attemptID == attemptID {
			current.state = StateCommitted
			delete(e.active, cell)
		}
		e.mu.Unlock()
		return result.RowID, nil
	}
	reason := strings.TrimSpace(result.Reason)
	if err != nil {
		reason = err.Error()
	}
	if reason == "" {
		reason = "rejected"
	}
	e.mu.Lock()
	e.tracker.Resolve(attemptID, EditFailed, reason)
	if current, ok := e.active[cell]; ok && current.attemptID == attemptID {
		current.state = StateRejected
		delete(e.active, cell)
		restore := e.hooks.RestoreValue
		failed := e.hooks.CommitFailed
		e.mu.Unlock()
		if restore != nil {
			restore(cell, oldValue)
		}
		if failed != nil {
			failed(cell, reason)
		}
		return "", fmt.Errorf("%w: %s", ErrCommitRejected, reason)
	}
	e.mu.Unlock()
	return "", fmt.Errorf("%w: %s", ErrCommitRejected, reason)
}

// CancelEdit abandons an edit without committing. The unlock carries the old
// value. An in-flight commit cannot be cancelled; its dispatched calls are
// left to resolve against the attempt identity.
func (e *Editor) CancelEdit(cell CellID) error {
	if e == nil {
		return ErrNoActiveEdit
	}
	e.mu.Lock()
	attempt, ok := e.active[cell]
	if !ok {
		e.mu.Unlock()
		return ErrNoActiveEdit
	}
	if attempt.state == StateCommitting {
		e.mu.Unlock()
		return ErrCommitInFlight
	}
	attempt.state = StateRejected
	oldValue := attempt.oldValue
	newRow := attempt.newRow
	delete(e.active, cell)
	if !newRow {
		e.registry.ApplyUnlocked(e.datasetID, cell)
	}
	e.mu.Unlock()
	if !newRow {
		e.send(NewUnlockRequest(e.datasetID, cell, &oldValue, e.sessionID))
	}
	return nil
}

// HandleLocked applies a locked broadcast. A foreign lock on a cell we are
// optimistically editing means we lost the race: the local attempt is
// abandoned and no commit may be issued for it afterward.
func (e *Editor) HandleLocked(payload LockedPayload) {
	if e == nil || payload.DatasetID != e.datasetID {
		return
	}
	cell := CellID{RowID: payload.RowID, Field: payload.Field}
	e.registry.ApplyLocked(payload.DatasetID, cell, payload.SessionID)
	e.mu.Lock()
	if timer, ok := e.settling[cell]; ok {
		// The lock was re-asserted before the refresh settled; the pending
		// clear must not wipe the new entry.
		timer.Stop()
		delete(e.settling, cell)
	}
	if payload.SessionID == e.sessionID {
		e.mu.Unlock()
		return
	}
	attempt, ok := e.active[cell]
	if !ok || (attempt.state != StateLockPending && attempt.state != StateEditing) {
		// A commit already in flight resolves through its attempt-identity
		// checks regardless of this broadcast's arrival order.
		e.mu.Unlock()
		return
	}
	attempt.state = StateRejected
	oldValue := attempt.oldValue
	delete(e.active, cell)
	restore := e.hooks.RestoreValue
	rejected := e.hooks.EditRejected
	e.mu.Unlock()
	if restore != nil {
		restore(cell, oldValue)
	}
	if rejected != nil {
		rejected(cell, fmt.Sprintf("cell locked by session %s", payload.SessionID))
	}
}

// HandleUnlocked applies an unlocked broadcast. When it carries a value, the
// displayed value is refreshed before the locked visual state clears, focus
// is released first, and the cell cannot re-enter edit mode until the settle
// timer fires.
func (e *Editor) HandleUnlocked(payload UnlockedPayload) {
	if e == nil || payload.DatasetID != e.datasetID {
		return
	}
	cell := CellID{RowID: payload.RowID, Field: payload.Field}
	e.mu.Lock()
	if _, ok := e.active[cell]; ok {
		// Echo of our own unlock, or a forced release while we still hold
		// the attempt; either way our own lifecycle owns this cell.
		e.registry.ApplyUnlocked(payload.DatasetID, cell)
		e.mu.Unlock()
		return
	}
	if payload.NewVal == nil {
		e.registry.ApplyUnlocked(payload.DatasetID, cell)
		e.mu.Unlock()
		return
	}
	release := e.hooks.ReleaseFocus
	refresh := e.hooks.RefreshValue
	value := *payload.NewVal
	if e.settleDelay <= 0 {
		e.registry.ApplyUnlocked(payload.DatasetID, cell)
		e.mu.Unlock()
		if release != nil {
			release(cell)
		}
		if refresh != nil {
			refresh(cell, value)
		}
		return
	}
	if timer, ok := e.settling[cell]; ok {
		timer.Stop()
	}
	var settleTimer *time.Timer
	settleTimer = time.AfterFunc(e.settleDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		// A fire that lost the race against cancellation must not clear a
		// lock entry re-asserted in the meantime.
		if e.settling[cell] != settleTimer {
			return
		}
		delete(e.settling, cell)
		e.registry.ApplyUnlocked(payload.DatasetID, cell)
	})
	e.settling[cell] = settleTimer
	e.mu.Unlock()
	if release != nil {
		release(cell)
	}
	if refresh != nil {
		refresh(cell, value)
	}
}

// HandleSnapshot applies a full lock-state resync. Cells with a live local
// attempt are recorded as our own so a fast reconnect does not cancel a
// still-held edit; live attempts on cells the server no longer considers
// locked are abandoned.
func (e *Editor) HandleSnapshot(cells map[string]map[string]bool) {
	if e == nil {
		return
	}
	e.mu.Lock()
	// The snapshot authoritatively replaces the mirror; any pending settle
	// clears are obsolete and would wipe entries the snapshot asserts.
	for cell, timer := range e.settling {
		timer.Stop()
		delete(e.settling, cell)
	}
	entries := make([]LockEntry, 0, len(cells))
	for rowID, fields := range cells {
		for field, locked := range fields {
			if !locked {
				continue
			}
			cell := CellID{RowID: rowID, Field: field}
			owner := ""
			if attempt, ok := e.active[cell]; ok && !attempt.newRow {
				owner = e.sessionID
			}
			entries = append(entries, LockEntry{Cell: cell, OwnerSessionID: owner})
		}
	}
	e.registry.ApplySnapshot(entries)

	type abandoned struct {
		cell     CellID
		oldValue string
	}
	dropped := []abandoned{}
	for cell, attempt := range e.active {
		if attempt.newRow || attempt.state == StateCommitting {
			continue
		}
		if fields, ok := cells[cell.RowID]; ok && fields[cell.Field] {
			continue
		}
		attempt.state = StateRejected
		dropped = append(dropped, abandoned{cell: cell, oldValue: attempt.oldValue})
		delete(e.active, cell)
	}
	restore := e.hooks.RestoreValue
	rejected := e.hooks.EditRejected
	e.mu.Unlock()
	for _, drop := range dropped {
		if restore != nil {
			restore(drop.cell, drop.oldValue)
		}
		if rejected != nil {
			rejected(drop.cell, "lock not present after resync")
		}
	}
}

// State reports the lifecycle state for cell; idle when no attempt is live.
func (e *Editor) State(cell CellID) EditState {
	if e == nil {
		return StateIdle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt, ok := e.active[cell]; ok {
		return attempt.state
	}
	return StateIdle
}

func (e *Editor) ActiveCells() []CellID {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cells := make([]CellID, 0, len(e.active))
	for cell := range e.active {
		cells = append(cells, cell)
	}
	return cells
}

// Close tears the editor down. Live attempts are abandoned the same way a
// lost lock race abandons them: the displayed value is restored and the
// rejection is reported, so a dataset switch mid-edit never drops an
// optimistic value silently. In-flight commits are left to resolve through
// their attempt-identity checks.
func (e *Editor) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for cell, timer := range e.settling {
		timer.Stop()
		delete(e.settling, cell)
	}
	type abandoned struct {
		cell     CellID
		oldValue string
		newRow   bool
	}
	dropped := []abandoned{}
	for cell, attempt := range e.active {
		if attempt.state == StateCommitting {
			continue
		}
		attempt.state = StateRejected
		dropped = append(dropped, abandoned{cell: cell, oldValue: attempt.oldValue, newRow: attempt.newRow})
		delete(e.active, cell)
		if !attempt.newRow {
			e.registry.ApplyUnlocked(e.datasetID, cell)
		}
	}
	restore := e.hooks.RestoreValue
	rejected := e.hooks.EditRejected
	e.mu.Unlock()
	for _, drop := range dropped {
		if restore != nil {
			restore(drop.cell, drop.oldValue)
		}
		if rejected != nil {
			rejected(drop.cell, "editor closed")
		}
		if !drop.newRow {
			e.send(NewUnlockRequest(e.datasetID, drop.cell, &drop.oldValue, e.sessionID))
		}
	}
}

func (e *Editor) send(envelope Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
	defer cancel()
	if err := e.sender.Send(ctx, envelope); err != nil {
		// Unacknowledged sends are tolerated; a stray lost unlock is
		// corrected by the next full snapshot.
		e.logf("send %s failed: %v", envelope.Type, err)
	}
}

func (e *Editor) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
