// Package gridlock implements the client-side concurrency core for a shared
// tabular dataset: the per-cell lock protocol mirror, the edit lifecycle
// state machine, stale fetch-response suppression, and the
// reconnect/resynchronization procedure over the coordination channel.
package gridlock

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotEditable      = errors.New("not editable")
	ErrRowNotReady      = errors.New("row not ready")
	ErrNoActiveEdit     = errors.New("no active edit")
	ErrCommitInFlight   = errors.New("commit in flight")
	ErrCommitRejected   = errors.New("commit rejected")
	ErrChannelClosed    = errors.New("channel closed")
	ErrChannelOffline   = errors.New("channel offline")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidInput     = errors.New("invalid input")
)

type Logger interface {
	Printf(format string, args ...any)
}

// CellID identifies one lockable unit. Rows without an assigned identifier
// (RowID == "") are never lockable.
type CellID struct {
	RowID string `json:"rowId"`
	Field string `json:"field"`
}

func (c CellID) Lockable() bool {
	return c.RowID != "" && c.Field != ""
}

var (
	idEntropyMu sync.Mutex
	idEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newID(prefix string) string {
	idEntropyMu.Lock()
	defer idEntropyMu.Unlock()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NewSessionID mints a fresh session identifier for callers that do not
// receive one from the authentication layer.
func NewSessionID() string {
	return newID("sess")
}
