package protocol

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

// ackTypes are the first messages the dual-source endpoint may answer with.
var ackTypes = []string{"connected", "ready"}

// DualAdapter streams to the handshake endpoint. Open waits for the server's
// acknowledgement, and a read failure after that is reported through
// Options.OnError as terminal.
type DualAdapter struct {
	*conn

	ack       chan Message
	ackOnce   sync.Once
	errOnce   sync.Once
	lastProto error
	mu        sync.Mutex
}

func newDual(opts Options) *DualAdapter {
	a := &DualAdapter{
		conn: newConn(opts),
		ack:  make(chan Message, 1),
	}
	a.onMessage = a.handleMessage
	a.onReadError = a.handleReadError
	a.extraQuery = url.Values{"codec": {"pcm"}}
	return a
}

func (a *DualAdapter) Kind() Kind { return KindDual }

// Open dials and then waits up to HandshakeTimeout for the server's first
// message. An acknowledgement of an unexpected type is reported as a
// ProtocolError through OnProtocolError; no acknowledgement at all is
// tolerated.
func (a *DualAdapter) Open(ctx context.Context) error {
	if err := a.dial(ctx, a.opts.Path); err != nil {
		return err
	}

	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg := <-a.ack:
		a.acknowledge(msg)
		return nil
	case <-timer.C:
		a.logger.Info("no handshake acknowledgement, continuing", "timeout", a.opts.HandshakeTimeout)
		return nil
	case <-a.readDone:
		// The server may acknowledge and hang up at once; the read error has
		// already been reported through OnError.
		select {
		case msg := <-a.ack:
			a.acknowledge(msg)
			return nil
		default:
		}
		err := a.readErr
		if err == nil {
			err = ErrClosed
		}
		a.Close()
		return &ConnectionError{Op: "handshake", Err: err}
	case <-ctx.Done():
		a.Close()
		return &ConnectionError{Op: "handshake", Err: ctx.Err()}
	}
}

func (a *DualAdapter) acknowledge(msg Message) {
	if slices.Contains(ackTypes, msg.Type) {
		a.logger.Debug("handshake acknowledged", "type", msg.Type)
		return
	}
	perr := &ProtocolError{Expected: ackTypes, Got: msg.Type}
	a.mu.Lock()
	a.lastProto = perr
	a.mu.Unlock()
	a.logger.Warn("unexpected handshake acknowledgement", logging.KeyError, perr)
	if a.opts.OnProtocolError != nil {
		a.opts.OnProtocolError(perr)
	}
}

// ProtocolErr returns the last informational protocol error, if any.
func (a *DualAdapter) ProtocolErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastProto
}

func (a *DualAdapter) handleMessage(msg Message) {
	handshake := false
	a.ackOnce.Do(func() {
		handshake = true
		a.ack <- msg
	})
	if !handshake && msg.Type == "error" {
		a.logger.Warn("backend reported an error", "message", string(msg.Data))
	}
	if a.opts.OnMessage != nil {
		a.opts.OnMessage(msg)
	}
}

func (a *DualAdapter) handleReadError(err error) {
	if a.opts.OnError == nil {
		return
	}
	a.errOnce.Do(func() {
		a.opts.OnError(err)
	})
}

// IsHandshakeFailure reports whether err came from a failed handshake.
func IsHandshakeFailure(err error) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr) && cerr.Op == "handshake"
}
