// Package editspool drives a grid editor from a local spool file. Edit
// commands are appended to the spool as JSON lines by other tooling; the
// agent applies each one through the cell lock protocol, journals the
// outcome to a results file and keeps a cursor so a restart never replays
// a command that was already attempted.
package editspool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
)

const (
	OpSet    = "set"
	OpInsert = "insert"
)

const (
	StatusApplied   = "applied"
	StatusRejected  = "rejected"
	StatusRefused   = "refused"
	StatusNotReady  = "notReady"
	StatusMalformed = "malformed"
	StatusError     = "error"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Command is one spool line. A "set" edits one cell of an existing row; an
// "insert" creates a row from the full field map.
type Command struct {
	Op       string            `json:"op"`
	RowID    string            `json:"rowId,omitempty"`
	Field    string            `json:"field,omitempty"`
	OldValue string            `json:"oldValue,omitempty"`
	NewValue string            `json:"newValue,omitempty"`
	Row      map[string]string `json:"row,omitempty"`
}

// Outcome is one results-journal line, in spool order.
type Outcome struct {
	Seq          int       `json:"seq"`
	Op           string    `json:"op"`
	RowID        string    `json:"rowId,omitempty"`
	Field        string    `json:"field,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	AdoptedRowID string    `json:"adoptedRowId,omitempty"`
	AppliedAt    time.Time `json:"appliedAt"`
}

// CellEditor is the slice of the editor the agent drives.
type CellEditor interface {
	BeginEdit(cell gridlock.CellID, currentValue string) error
	CommitEdit(ctx context.Context, cell gridlock.CellID, newValue string) error
	CommitInsert(ctx context.Context, cell gridlock.CellID, row map[string]string) (string, error)
	CancelEdit(cell gridlock.CellID) error
}

type AgentOptions struct {
	SpoolFile     string
	ResultsFile   string
	StateFile     string
	CommitTimeout time.Duration
	Logger        Logger
}

type Agent struct {
	editor        CellEditor
	spoolFile     string
	resultsFile   string
	stateFile     string
	commitTimeout time.Duration
	logger        Logger
	state         spoolState
	loaded        bool
}

type spoolState struct {
	Consumed int `json:"consumed"`
}

func NewAgent(editor CellEditor, opts AgentOptions) (*Agent, error) {
	if editor == nil {
		return nil, fmt.Errorf("editor is required")
	}
	spoolFile := strings.TrimSpace(opts.SpoolFile)
	if spoolFile == "" {
		return nil, fmt.Errorf("spool file is required")
	}
	resultsFile := strings.TrimSpace(opts.ResultsFile)
	if resultsFile == "" {
		resultsFile = spoolFile + ".results"
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = spoolFile + ".state"
	}
	commitTimeout := opts.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 10 * time.Second
	}
	return &Agent{
		editor:        editor,
		spoolFile:     spoolFile,
		resultsFile:   resultsFile,
		stateFile:     stateFile,
		commitTimeout: commitTimeout,
		logger:        opts.Logger,
	}, nil
}

// ApplyPending applies every spool command past the cursor, journals each
// outcome and advances the cursor. Contention, rejection and not-ready
// outcomes are journaled and skipped, never fatal; only transport-level
// failures stop the pass, with the cursor saved at the last consumed line.
func (a *Agent) ApplyPending(ctx context.Context) error {
	if err := a.loadState(); err != nil {
		return err
	}
	data, err := os.ReadFile(a.spoolFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	lines := strings.Split(string(data), "\n")
	var outcomes []Outcome
	var applyErr error
	for i := a.state.Consumed; i < len(lines); i++ {
		if ctx.Err() != nil {
			applyErr = ctx.Err()
			break
		}
		line := strings.TrimSpace(lines[i])
		if line == "" {
			a.state.Consumed = i + 1
			continue
		}
		outcome, err := a.applyLine(ctx, i+1, line)
		outcomes = append(outcomes, outcome)
		a.state.Consumed = i + 1
		if err != nil {
			applyErr = err
			break
		}
	}
	if len(outcomes) > 0 {
		if err := a.appendOutcomes(outcomes); err != nil && applyErr == nil {
			applyErr = err
		}
	}
	if err := a.saveState(); err != nil && applyErr == nil {
		applyErr = err
	}
	return applyErr
}

// applyLine applies one command. The returned error is non-nil only for
// failures that should stop the pass; per-command refusals and rejections
// are reported through the outcome alone.
func (a *Agent) applyLine(ctx context.Context, seq int, line string) (Outcome, error) {
	outcome := Outcome{Seq: seq, AppliedAt: time.Now().UTC()}
	var command Command
	if err := json.Unmarshal([]byte(line), &command); err != nil {
		outcome.Status = StatusMalformed
		outcome.Reason = err.Error()
		return outcome, nil
	}
	outcome.Op = command.Op
	outcome.RowID = command.RowID
	outcome.Field = command.Field

	switch command.Op {
	case OpSet:
		a.applySet(ctx, command, &outcome)
	case OpInsert:
		a.applyInsert(ctx, command, &outcome)
	default:
		outcome.Status = StatusMalformed
		outcome.Reason = fmt.Sprintf("unknown op %q", command.Op)
	}
	if outcome.Status != StatusApplied {
		a.logf("spool command %d (%s %s/%s): %s %s", seq, command.Op, command.RowID, command.Field, outcome.Status, outcome.Reason)
	}
	return outcome, nil
}

func (a *Agent) applySet(ctx context.Context, command Command, outcome *Outcome) {
	if command.RowID == "" || command.Field == "" {
		outcome.Status = StatusMalformed
		outcome.Reason = "set requires rowId and field"
		return
	}
	cell := gridlock.CellID{RowID: command.RowID, Field: command.Field}
	if err := a.editor.BeginEdit(cell, command.OldValue); err != nil {
		outcome.Status = StatusRefused
		outcome.Reason = err.Error()
		return
	}
	commitCtx, cancel := context.WithTimeout(ctx, a.commitTimeout)
	defer cancel()
	err := a.editor.CommitEdit(commitCtx, cell, command.NewValue)
	switch {
	case err == nil:
		outcome.Status = StatusApplied
	case errors.Is(err, gridlock.ErrCommitRejected):
		outcome.Status = StatusRejected
		outcome.Reason = err.Error()
	default:
		_ = a.editor.CancelEdit(cell)
		outcome.Status = StatusError
		outcome.Reason = err.Error()
	}
}

func (a *Agent) applyInsert(ctx context.Context, command Command, outcome *Outcome) {
	if len(command.Row) == 0 {
		outcome.Status = StatusMalformed
		outcome.Reason = "insert requires a row"
		return
	}
	field := command.Field
	if field == "" {
		for candidate := range command.Row {
			if field == "" || candidate < field {
				field = candidate
			}
		}
	}
	cell := gridlock.CellID{Field: field}
	if err := a.editor.BeginEdit(cell, ""); err != nil {
		outcome.Status = StatusRefused
		outcome.Reason = err.Error()
		return
	}
	commitCtx, cancel := context.WithTimeout(ctx, a.commitTimeout)
	defer cancel()
	rowID, err := a.editor.CommitInsert(commitCtx, cell, command.Row)
	switch {
	case err == nil:
		outcome.Status = StatusApplied
		outcome.AdoptedRowID = rowID
	case errors.Is(err, gridlock.ErrRowNotReady):
		_ = a.editor.CancelEdit(cell)
		outcome.Status = StatusNotReady
		outcome.Reason = "no key field populated"
	case errors.Is(err, gridlock.ErrCommitRejected):
		outcome.Status = StatusRejected
		outcome.Reason = err.Error()
	default:
		_ = a.editor.CancelEdit(cell)
		outcome.Status = StatusError
		outcome.Reason = err.Error()
	}
}

func (a *Agent) appendOutcomes(outcomes []Outcome) error {
	existing, err := os.ReadFile(a.resultsFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var buf strings.Builder
	buf.Write(existing)
	for _, outcome := range outcomes {
		line, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(a.resultsFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(a.resultsFile, []byte(buf.String()), 0o644)
}

func (a *Agent) loadState() error {
	if a.loaded {
		return nil
	}
	a.loaded = true
	data, err := os.ReadFile(a.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state spoolState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Consumed < 0 {
		state.Consumed = 0
	}
	a.state = state
	return nil
}

func (a *Agent) saveState() error {
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(a.stateFile, data, 0o644)
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
