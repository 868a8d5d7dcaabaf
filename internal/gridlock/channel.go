package gridlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type ChannelHandler interface {
	HandleInbound(message InboundMessage)
}

type ChannelOptions struct {
	URL                  string
	DatasetID            string
	SessionID            string
	Handler              ChannelHandler
	Connectivity         *ConnectivityState
	DialTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	OnReconnectFailed    func()
	Logger               Logger
}

// CoordChannel maintains the persistent connection to the coordinating
// endpoint. On every successful open it announces the session and requests a
// full lock-state snapshot; on disconnect it retries with a fixed backoff up
// to a bounded attempt count. The registry is never cleared here: a fast
// reconnect must not visibly unlock and re-lock cells, and the snapshot
// requested on reconnect authoritatively replaces it.
type CoordChannel struct {
	url                  string
	datasetID            string
	sessionID            string
	handler              ChannelHandler
	connectivity         *ConnectivityState
	dialTimeout          time.Duration
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	writeTimeout         time.Duration
	onReconnectFailed    func()
	logger               Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordChannel(opts ChannelOptions) (*CoordChannel, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("channel url is required")
	}
	if strings.TrimSpace(opts.DatasetID) == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("channel handler is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("connectivity state is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	maxReconnectAttempts := opts.MaxReconnectAttempts
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 10
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CoordChannel{
		url:                  url,
		datasetID:            strings.TrimSpace(opts.DatasetID),
		sessionID:            strings.TrimSpace(opts.SessionID),
		handler:              opts.Handler,
		connectivity:         opts.Connectivity,
		dialTimeout:          dialTimeout,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxReconnectAttempts,
		writeTimeout:         writeTimeout,
		onReconnectFailed:    opts.OnReconnectFailed,
		logger:               opts.Logger,
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
	}, nil
}

// Start launches the connect/read loop. It is a no-op when already started.
func (c *CoordChannel) Start() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

func (c *CoordChannel) run() {
	defer close(c.done)
	attempts := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			attempts++
			if c.exhausted(attempts, err) {
				return
			}
			if !c.wait(c.reconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connectivity.SetChannelConnected(true)

		// A server that upgrades the connection but rejects the first writes
		// counts against the same bound and backoff as a failed dial; only a
		// completed handshake resets the counter.
		if err := c.handshake(); err != nil {
			c.dropConn(conn)
			if c.ctx.Err() != nil {
				return
			}
			attempts++
			if c.exhausted(attempts, err) {
				return
			}
			if !c.wait(c.reconnectDelay) {
				return
			}
			continue
		}
		attempts = 0

		readErr := c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logf("coordination channel disconnected: %v", readErr)
		if !c.wait(c.reconnectDelay) {
			return
		}
	}
}

// exhausted reports whether reconnection attempts are used up, recording the
// terminal condition when they are.
func (c *CoordChannel) exhausted(attempts int, err error) bool {
	if attempts < c.maxReconnectAttempts {
		c.logf("coordination channel connect failed (attempt %d/%d): %v", attempts, c.maxReconnectAttempts, err)
		return false
	}
	c.logf("coordination channel reconnect exhausted after %d attempts: %v", attempts, err)
	c.connectivity.SetReconnectFailed()
	if c.onReconnectFailed != nil {
		c.onReconnectFailed()
	}
	return true
}

func (c *CoordChannel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake announces the session identity and requests a full lock-state
// snapshot for the dataset.
func (c *CoordChannel) handshake() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	if err := c.Send(ctx, NewAnnounce(c.sessionID)); err != nil {
		return err
	}
	return c.Send(ctx, NewRequestSnapshot(c.datasetID))
}

func (c *CoordChannel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		message, err := DecodeInbound(data)
		if err != nil {
			// Malformed or unexpected messages never kill the channel.
			c.logf("dropping inbound message: %v", err)
			continue
		}
		c.handler.HandleInbound(message)
	}
}

func (c *CoordChannel) dropConn(conn *websocket.Conn) {
	c.connectivity.SetChannelConnected(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (c *CoordChannel) wait(delay time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// Send writes one envelope to the channel. It fails fast when disconnected;
// callers treat lock/unlock sends as fire-and-forget.
func (c *CoordChannel) Send(ctx context.Context, envelope Envelope) error {
	if c == nil {
		return ErrChannelClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelOffline
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *CoordChannel) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *CoordChannel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		started := c.started
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		if started {
			<-c.done
		}
	})
}

func (c *CoordChannel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
