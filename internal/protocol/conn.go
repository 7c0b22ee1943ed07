package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/ticker"
)

var log = logging.L("protocol")

// ConnState is the lifecycle of a connection handle.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Message is one message received from the backend.
type Message struct {
	Type   string
	Data   []byte
	Binary bool
}

// conn owns one WebSocket and its keepalive task. Writes are serialized by
// writeMu so a chunk header and its payload are never split by another
// frame.
type conn struct {
	opts   Options
	logger *slog.Logger

	ws    *websocket.Conn
	state atomic.Int32

	writeMu sync.Mutex
	started bool // audio-start sent; guarded by writeMu
	stopped bool // audio-stop sent; guarded by writeMu

	keepalive *ticker.Task
	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once

	// Set by the adapter before dialing.
	onMessage   func(Message)
	onReadError func(error)
	extraQuery  url.Values

	framesSent   atomic.Uint64
	bytesSent    atomic.Uint64
	received     atomic.Uint64
	pingsSent    atomic.Uint64
	pingsSkipped atomic.Uint64
	sendErrors   atomic.Uint64
}

func newConn(opts Options) *conn {
	return &conn{
		opts:     opts,
		logger:   log.With("adapter", opts.kind.String()),
		readDone: make(chan struct{}),
	}
}

func (c *conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *conn) IsOpen() bool {
	return c.State() == StateOpen
}

// dial opens the socket and starts the read pump and keepalive.
func (c *conn) dial(ctx context.Context, path string) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return &ConnectionError{Op: "open", Err: fmt.Errorf("connection already %s", c.State())}
	}

	endpoint, err := BuildURL(c.opts.ServerURL, path, c.opts.Token, c.opts.DeviceName)
	if err == nil && len(c.extraQuery) > 0 {
		endpoint, err = withQuery(endpoint, c.extraQuery)
	}
	if err != nil {
		c.state.Store(int32(StateClosed))
		return &ConnectionError{Op: "open", Err: err}
	}

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = newDialer()
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return &ConnectionError{Op: "open", Err: err}
	}
	ws.SetReadLimit(maxMessageSize)

	// Close may have run while the dial was in flight.
	c.writeMu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		c.writeMu.Unlock()
		ws.Close()
		return &ConnectionError{Op: "open", Err: ErrClosed}
	}
	c.ws = ws
	go c.readPump()
	if c.opts.KeepaliveInterval > 0 {
		c.keepalive = ticker.Every("keepalive", c.opts.KeepaliveInterval, c.ping)
	}
	c.writeMu.Unlock()

	c.logger.Info("connected", "endpoint", redact(endpoint))
	return nil
}

// readPump counts and forwards inbound messages until the socket fails.
// There is no read deadline: a dead peer surfaces as a read error.
func (c *conn) readPump() {
	defer close(c.readDone)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			intentional := c.State() >= StateClosing
			c.state.Store(int32(StateClosed))
			if intentional {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", logging.KeyError, err)
			} else {
				c.logger.Info("connection closed by server", logging.KeyError, err)
			}
			if c.onReadError != nil {
				c.onReadError(&ConnectionError{Op: "read", Err: err})
			}
			return
		}

		c.received.Add(1)
		msg := Message{Data: data, Binary: mt == websocket.BinaryMessage}
		if !msg.Binary {
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err == nil {
				msg.Type = head.Type
			}
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// writeFrameLocked sends the control line and then the payload. The caller
// holds writeMu.
func (c *conn) writeFrameLocked(f Frame) error {
	if !c.IsOpen() {
		c.sendErrors.Add(1)
		return &ConnectionError{Op: "send " + f.Type, Err: ErrClosed}
	}

	header, err := f.Header()
	if err != nil {
		c.sendErrors.Add(1)
		return &ConnectionError{Op: "send " + f.Type, Err: err}
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, header); err != nil {
		c.sendErrors.Add(1)
		return &ConnectionError{Op: "send " + f.Type, Err: err}
	}
	sent := len(header)
	if len(f.Payload) > 0 {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, f.Payload); err != nil {
			c.sendErrors.Add(1)
			return &ConnectionError{Op: "send " + f.Type + " payload", Err: err}
		}
		sent += len(f.Payload)
	}

	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(sent))
	return nil
}

func (c *conn) SendAudioStart(mode string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.started {
		return nil
	}
	if err := c.writeFrameLocked(AudioStart(mode)); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("audio stream started", logging.KeyMode, mode)
	return nil
}

func (c *conn) SendAudioChunk(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.started || c.stopped {
		c.sendErrors.Add(1)
		return &ConnectionError{Op: "send " + TypeAudioChunk, Err: ErrNotStarted}
	}
	return c.writeFrameLocked(AudioChunk(payload))
}

// SendAudioStop sends audio-stop at most once per connection.
func (c *conn) SendAudioStop() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	return c.writeFrameLocked(AudioStop(time.Now()))
}

// ping sends a keepalive unless a frame is being written right now, in
// which case the connection is evidently alive and the tick is skipped.
func (c *conn) ping() {
	if !c.IsOpen() {
		return
	}
	if !c.writeMu.TryLock() {
		c.pingsSkipped.Add(1)
		return
	}
	defer c.writeMu.Unlock()

	if err := c.writeFrameLocked(Ping()); err != nil {
		c.logger.Warn("keepalive failed", logging.KeyError, err)
		return
	}
	c.pingsSent.Add(1)
}

// Close stops the keepalive, sends a close message and releases the socket.
// Safe to call more than once and from any goroutine.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := ConnState(c.state.Swap(int32(StateClosing)))

		c.writeMu.Lock()
		c.keepalive.Stop()
		if c.ws == nil {
			c.writeMu.Unlock()
			c.state.Store(int32(StateClosed))
			return
		}
		if prev == StateOpen {
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
		}
		err = c.ws.Close()
		c.writeMu.Unlock()

		c.state.Store(int32(StateClosed))
		c.logger.Info("connection closed",
			"framesSent", c.framesSent.Load(),
			"messagesReceived", c.received.Load(),
			"pingsSent", c.pingsSent.Load(),
		)
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

// Stats is a point-in-time copy of connection counters.
type Stats struct {
	State            ConnState
	FramesSent       uint64
	BytesSent        uint64
	MessagesReceived uint64
	PingsSent        uint64
	PingsSkipped     uint64
	SendErrors       uint64
}

func (c *conn) Stats() Stats {
	return Stats{
		State:            c.State(),
		FramesSent:       c.framesSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.received.Load(),
		PingsSent:        c.pingsSent.Load(),
		PingsSkipped:     c.pingsSkipped.Load(),
		SendErrors:       c.sendErrors.Load(),
	}
}
