package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Kind selects the backend pathway.
type Kind int

const (
	// KindLegacy streams a single source to the ws_pcm endpoint.
	KindLegacy Kind = iota
	// KindDual streams a mixed dual-source signal through an endpoint that
	// answers the connection with an acknowledgement.
	KindDual
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindDual:
		return "dual"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Adapter is the contract the capture controller streams through. Both
// implementations write identical frames.
type Adapter interface {
	Kind() Kind
	// Open connects and returns once the connection can carry frames.
	Open(ctx context.Context) error
	IsOpen() bool
	SendAudioStart(mode string) error
	SendAudioChunk(payload []byte) error
	// SendAudioStop is sent at most once; later calls return nil.
	SendAudioStop() error
	Close() error
	Stats() Stats
}

// Options configures an adapter.
type Options struct {
	ServerURL         string
	Token             string
	DeviceName        string
	Path              string
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration

	// OnMessage observes every inbound message. Called on the read
	// goroutine.
	OnMessage func(Message)
	// OnError receives a terminal connection failure. Only the dual adapter
	// reports read failures here; the legacy adapter only logs them.
	OnError func(error)
	// OnProtocolError receives non-fatal protocol violations, such as an
	// unexpected handshake acknowledgement. Called before Open returns.
	OnProtocolError func(error)

	// Dialer overrides the default proxy-aware dialer.
	Dialer *websocket.Dialer

	kind Kind
}

// DefaultKeepalive is the ping interval when none is configured. A negative
// KeepaliveInterval disables pings.
const DefaultKeepalive = 30 * time.Second

// New returns the adapter for kind.
func New(kind Kind, opts Options) (Adapter, error) {
	opts.kind = kind
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = DefaultKeepalive
	}
	switch kind {
	case KindLegacy:
		if opts.Path == "" {
			opts.Path = "/ws_pcm"
		}
		return newLegacy(opts), nil
	case KindDual:
		if opts.Path == "" {
			opts.Path = "/ws"
		}
		if opts.HandshakeTimeout <= 0 {
			opts.HandshakeTimeout = 5 * time.Second
		}
		return newDual(opts), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %d", int(kind))
	}
}
