package gridlock

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type DatasetSessionOptions struct {
	DatasetID            string
	SessionID            string
	ChannelURL           string
	KeyFields            []string
	Submitter            EditSubmitter
	Hooks                EditorHooks
	SettleDelay          time.Duration
	DialTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	OnReconnectFailed    func()
	Logger               Logger
}

// DatasetSession owns the coordination state for one dataset view: lock
// registry, connectivity, edit tracker, editor, fetch sequencer and the
// coordination channel. It is constructed per active dataset and torn down
// on dataset switch or disconnect; nothing here is process-global.
type DatasetSession struct {
	datasetID    string
	sessionID    string
	registry     *LockRegistry
	connectivity *ConnectivityState
	tracker      *EditTracker
	editor       *Editor
	channel      *CoordChannel
	sequencer    *RequestSequencer
	logger       Logger
}

func NewDatasetSession(opts DatasetSessionOptions) (*DatasetSession, error) {
	datasetID := strings.TrimSpace(opts.DatasetID)
	if datasetID == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if opts.Submitter == nil {
		return nil, fmt.Errorf("edit submitter is required")
	}

	session := &DatasetSession{
		datasetID:    datasetID,
		sessionID:    sessionID,
		registry:     NewLockRegistry(datasetID),
		connectivity: NewConnectivityState(),
		tracker:      NewEditTracker(),
		sequencer:    NewRequestSequencer(),
		logger:       opts.Logger,
	}

	channel, err := NewCoordChannel(ChannelOptions{
		URL:                  opts.ChannelURL,
		DatasetID:            datasetID,
		SessionID:            sessionID,
		Handler:              session,
		Connectivity:         session.connectivity,
		DialTimeout:          opts.DialTimeout,
		ReconnectDelay:       opts.ReconnectDelay,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		OnReconnectFailed:    opts.OnReconnectFailed,
		Logger:               opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	session.channel = channel

	editor, err := NewEditor(EditorOptions{
		DatasetID:    datasetID,
		SessionID:    sessionID,
		KeyFields:    opts.KeyFields,
		Registry:     session.registry,
		Connectivity: session.connectivity,
		Tracker:      session.tracker,
		Sender:       channel,
		Submitter:    opts.Submitter,
		Hooks:        opts.Hooks,
		SettleDelay:  opts.SettleDelay,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	session.editor = editor
	return session, nil
}

// Connect opens the coordination channel and begins the announce/snapshot
// handshake in the background.
func (s *DatasetSession) Connect() {
	if s == nil {
		return
	}
	s.channel.Start()
}

// HandleInbound dispatches one validated channel message. Messages scoped to
// a different dataset are ignored here or inside the editor's own checks.
func (s *DatasetSession) HandleInbound(message InboundMessage) {
	if s == nil {
		return
	}
	switch message.Type {
	case MessageSnapshot:
		s.editor.HandleSnapshot(message.Snapshot)
	case MessageLocked:
		s.editor.HandleLocked(*message.Locked)
	case MessageUnlocked:
		s.editor.HandleUnlocked(*message.Unlocked)
	case MessageConnectivity:
		s.connectivity.SetBackendReachable(message.Connectivity.BackendReachable)
	case MessageFault:
		s.logf("coordination fault: %s", message.Fault.Message)
	default:
		s.logf("dropping unhandled message type %q", message.Type)
	}
}

// RequestSnapshot explicitly asks the coordinating endpoint for a full
// lock-state resync.
func (s *DatasetSession) RequestSnapshot(ctx context.Context) error {
	if s == nil {
		return ErrChannelClosed
	}
	return s.channel.Send(ctx, NewRequestSnapshot(s.datasetID))
}

func (s *DatasetSession) DatasetID() string {
	if s == nil {
		return ""
	}
	return s.datasetID
}

func (s *DatasetSession) SessionID() string {
	if s == nil {
		return ""
	}
	return s.sessionID
}

func (s *DatasetSession) Editor() *Editor {
	if s == nil {
		return nil
	}
	return s.editor
}

func (s *DatasetSession) Registry() *LockRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *DatasetSession) Tracker() *EditTracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

func (s *DatasetSession) Connectivity() *ConnectivityState {
	if s == nil {
		return nil
	}
	return s.connectivity
}

func (s *DatasetSession) Sequencer() *RequestSequencer {
	if s == nil {
		return nil
	}
	return s.sequencer
}

func (s *DatasetSession) Close() {
	if s == nil {
		return
	}
	// Editor first: its teardown releases held locks over the channel.
	s.editor.Close()
	s.channel.Close()
}

func (s *DatasetSession) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
