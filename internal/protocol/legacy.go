package protocol

import "context"

// LegacyAdapter streams to the single-source endpoint. The connection is
// usable as soon as the WebSocket upgrade completes, and read failures are
// logged but not reported: a dead connection shows up as send errors.
type LegacyAdapter struct {
	*conn
}

func newLegacy(opts Options) *LegacyAdapter {
	c := newConn(opts)
	c.onMessage = opts.OnMessage
	return &LegacyAdapter{conn: c}
}

func (a *LegacyAdapter) Kind() Kind { return KindLegacy }

func (a *LegacyAdapter) Open(ctx context.Context) error {
	return a.dial(ctx, a.opts.Path)
}
