// Package capture runs recording sessions: it acquires the audio devices,
// opens the backend stream and pumps encoded chunks until stopped.
package capture

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/breeze-rmm/capture-agent/internal/audio"
	"github.com/breeze-rmm/capture-agent/internal/auth"
	"github.com/breeze-rmm/capture-agent/internal/config"
	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/mixer"
	"github.com/breeze-rmm/capture-agent/internal/pcm"
	"github.com/breeze-rmm/capture-agent/internal/protocol"
	"github.com/breeze-rmm/capture-agent/internal/ticker"
)

var log = logging.L("capture")

// AdapterFactory builds the backend adapter for a session. protocol.New is
// the production factory.
type AdapterFactory func(kind protocol.Kind, opts protocol.Options) (protocol.Adapter, error)

// Options configures a Controller.
type Options struct {
	Acquirer   audio.Acquirer
	NewAdapter AdapterFactory
	// Tokens supplies the bearer token for each connection. Nil means
	// anonymous.
	Tokens oauth2.TokenSource

	ServerURL      string
	DeviceName     string
	Mode           string
	BufferSize     int
	InputDevice    string
	LoopbackDevice string
	LegacyPath     string
	DualStreamPath string

	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
}

// OptionsFromConfig maps validated config onto controller options.
func OptionsFromConfig(cfg *config.Config, acq audio.Acquirer, tokens oauth2.TokenSource) Options {
	return Options{
		Acquirer:          acq,
		NewAdapter:        protocol.New,
		Tokens:            tokens,
		ServerURL:         cfg.ServerURL,
		DeviceName:        cfg.DeviceName,
		Mode:              cfg.Mode,
		BufferSize:        cfg.BufferSize,
		InputDevice:       cfg.InputDevice,
		LoopbackDevice:    cfg.LoopbackDevice,
		LegacyPath:        cfg.LegacyPath,
		DualStreamPath:    cfg.DualStreamPath,
		KeepaliveInterval: time.Duration(cfg.KeepaliveSeconds) * time.Second,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
	}
}

// resources are the handles one session owns. teardown releases them in a
// fixed order; a nil field was never acquired.
type resources struct {
	primary   audio.Source
	secondary audio.Source
	mixer     *mixer.Mixer
	adapter   protocol.Adapter
	started   bool // audio-start was sent
	duration  *ticker.Task
}

// Snapshot is the caller-visible view of the controller.
type Snapshot struct {
	SessionID string
	Mode      string
	Source    SourceMode
	State     State
	Step      string
	Elapsed   time.Duration
	LastError error
	Counters  Counters
}

// Controller owns at most one recording session at a time. All methods are
// safe for concurrent use.
type Controller struct {
	opts Options

	mu        sync.Mutex
	state     State
	mode      string
	session   *Session
	res       *resources
	analysers map[audio.Tag]*mixer.Analyser
	lastErr   error
	cancel    context.CancelFunc
	tornDown  chan struct{} // closed once the last session released everything
	observers []func(Snapshot)

	// active is checked first by every audio callback. pumpMu is held for
	// one encode-and-send, so clearing active and then taking pumpMu once
	// guarantees no callback is mid-flight. stream, pumpSession and
	// encodeBuf are guarded by pumpMu.
	active      atomic.Bool
	pumpMu      sync.Mutex
	stream      protocol.Adapter
	pumpSession *Session
	sawChunk    bool
	encodeBuf   []byte
	pumpMetrics atomic.Pointer[Metrics]

	// elapsed counts tickEvery intervals spent streaming.
	elapsed   atomic.Int64
	tickEvery time.Duration
}

// New returns an idle controller.
func New(opts Options) *Controller {
	if opts.NewAdapter == nil {
		opts.NewAdapter = protocol.New
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeStreaming
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		opts:      opts,
		mode:      opts.Mode,
		tornDown:  done,
		tickEvery: time.Second,
	}
}

// OnChange registers fn to be called after every step or error change. fn
// may run on an audio callback thread and must not block.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// SetMode selects the stream mode for the next session.
func (c *Controller) SetMode(mode string) error {
	switch mode {
	case config.ModeBatch, config.ModeStreaming, config.ModeDualStream:
	default:
		return fmt.Errorf("%w %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.busy() {
		return ErrSessionActive
	}
	c.mode = mode
	return nil
}

func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Step returns the progress label of the current state.
func (c *Controller) Step() string {
	return c.State().Step()
}

// Analysers returns the level taps of the current or most recent session.
func (c *Controller) Analysers() map[audio.Tag]*mixer.Analyser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.analysers)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Mode:      c.mode,
		State:     c.state,
		Step:      c.state.Step(),
		Elapsed:   time.Duration(c.elapsed.Load()) * c.tickEvery,
		LastError: c.lastErr,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Mode = c.session.Mode
		snap.Source = c.session.Source
		snap.Counters = c.session.metrics.Snapshot()
	}
	if c.res != nil {
		if c.res.mixer != nil {
			snap.Counters.DroppedSecondary = c.res.mixer.Dropped()
		}
		if c.res.adapter != nil {
			snap.Counters.PingsSent = c.res.adapter.Stats().PingsSent
		}
	}
	return snap
}

func (c *Controller) notify() {
	c.mu.Lock()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range observers {
		fn(snap)
	}
}

// Start acquires the devices, connects and sends audio-start. It returns
// once chunks are flowing or the session has failed; on failure the
// controller is in the error state with every resource released.
func (c *Controller) Start(ctx context.Context) error {
	sess, actx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return c.run(actx, sess)
}

func (c *Controller) begin(ctx context.Context) (*Session, context.Context, error) {
	c.mu.Lock()
	for {
		if c.state.busy() {
			c.mu.Unlock()
			return nil, nil, ErrSessionActive
		}
		done := c.tornDown
		select {
		case <-done:
		default:
			// A failed session is still releasing its devices.
			c.mu.Unlock()
			<-done
			c.mu.Lock()
			continue
		}
		break
	}

	source := SingleSource
	if c.mode == config.ModeDualStream {
		if c.opts.Acquirer.SupportsSecondary() {
			source = DualSource
		} else {
			log.Warn("system audio capture is not supported here, streaming the microphone only", logging.KeyMode, c.mode)
		}
	}

	sess := newSession(c.mode, source)
	actx, cancel := context.WithCancel(ctx)
	c.session = sess
	c.res = &resources{}
	c.analysers = nil
	c.lastErr = nil
	c.cancel = cancel
	c.tornDown = make(chan struct{})
	c.elapsed.Store(0)
	c.state = StateAcquiringPrimary
	c.mu.Unlock()

	c.notify()
	return sess, actx, nil
}

func (c *Controller) run(ctx context.Context, sess *Session) error {
	logger := logging.WithSession(log, sess.ID, sess.Mode)
	logger.Info("starting capture", "source", sess.Source, "bufferSize", c.opts.BufferSize)

	if err := audio.CheckSecureContext(c.opts.ServerURL); err != nil {
		return c.fail(sess, err)
	}

	primary, err := c.opts.Acquirer.AcquirePrimary(ctx, audio.MicConstraints(c.opts.BufferSize, c.opts.InputDevice))
	if err != nil {
		return c.fail(sess, err)
	}
	if !c.attach(sess, func(r *resources) { r.primary = primary }) {
		primary.Close()
		return ErrStopped
	}

	var secondary audio.Source
	if sess.Source == DualSource {
		if !c.advance(sess, StateAcquiringSecondary) {
			return ErrStopped
		}
		secondary, err = c.opts.Acquirer.AcquireSecondary(ctx, audio.Constraints{
			SampleRate:   config.SampleRate,
			ChannelCount: config.ChannelCount,
			BufferSize:   c.opts.BufferSize,
			DeviceName:   c.opts.LoopbackDevice,
		})
		if err != nil {
			return c.fail(sess, err)
		}
		if !c.attach(sess, func(r *resources) { r.secondary = secondary }) {
			secondary.Close()
			return ErrStopped
		}
	}

	if !c.advance(sess, StateConnecting) {
		return ErrStopped
	}
	adapter, err := c.connect(ctx, sess)
	if err != nil {
		return c.fail(sess, err)
	}

	if !c.advance(sess, StateStarting) {
		return ErrStopped
	}
	if err := adapter.SendAudioStart(sess.Mode); err != nil {
		return c.fail(sess, err)
	}
	if !c.attach(sess, func(r *resources) { r.started = true }) {
		return ErrStopped
	}

	feed, analysers := c.graph(sess)
	task := ticker.Every("duration", c.tickEvery, c.tick)
	if !c.attach(sess, func(r *resources) { r.duration = task }) {
		task.Stop()
		return ErrStopped
	}

	c.pumpMu.Lock()
	c.stream = adapter
	c.pumpSession = sess
	c.sawChunk = false
	c.pumpMu.Unlock()
	c.pumpMetrics.Store(sess.metrics)

	// A Stop that already took the session leaves the flag down; a later
	// one clears it in teardown.
	c.mu.Lock()
	if !c.current(sess) {
		c.mu.Unlock()
		return ErrStopped
	}
	c.analysers = analysers
	c.active.Store(true)
	c.mu.Unlock()

	if err := primary.Start(feed); err != nil {
		return c.fail(sess, err)
	}
	if secondary != nil {
		if err := secondary.Start(feed); err != nil {
			return c.fail(sess, err)
		}
	}
	logger.Info("capture started")
	return nil
}

// connect resolves the token, builds the adapter for the session's source
// mode and opens it.
func (c *Controller) connect(ctx context.Context, sess *Session) (protocol.Adapter, error) {
	token := ""
	if c.opts.Tokens != nil {
		var err error
		if token, err = auth.Token(c.opts.Tokens); err != nil {
			return nil, &protocol.ConnectionError{Op: "authenticate", Err: err}
		}
	}

	kind, path := protocol.KindLegacy, c.opts.LegacyPath
	if sess.Source == DualSource {
		kind, path = protocol.KindDual, c.opts.DualStreamPath
	}

	adapter, err := c.opts.NewAdapter(kind, protocol.Options{
		ServerURL:         c.opts.ServerURL,
		Token:             token,
		DeviceName:        c.opts.DeviceName,
		Path:              path,
		KeepaliveInterval: c.opts.KeepaliveInterval,
		HandshakeTimeout:  c.opts.HandshakeTimeout,
		OnMessage: func(protocol.Message) {
			sess.metrics.RecordMessage()
		},
		OnError: func(err error) {
			// Called on the read goroutine; teardown closes that socket.
			go c.fail(sess, err)
		},
		OnProtocolError: func(err error) {
			c.setLastErr(sess, err)
		},
	})
	if err != nil {
		return nil, err
	}
	if !c.attach(sess, func(r *resources) { r.adapter = adapter }) {
		adapter.Close()
		return nil, ErrStopped
	}

	sess.metrics.RecordConnectionAttempt()
	if err := adapter.Open(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

// graph builds the audio callback. Dual-source sessions feed both devices
// through the mixer; single-source sessions tap the microphone directly.
func (c *Controller) graph(sess *Session) (audio.Callback, map[audio.Tag]*mixer.Analyser) {
	if sess.Source == DualSource {
		m := mixer.New(c.opts.BufferSize, c.pump)
		c.attach(sess, func(r *resources) { r.mixer = m })
		return m.Feed, m.Analysers()
	}
	a := mixer.NewAnalyser()
	feed := func(ch audio.Chunk) {
		if !c.active.Load() {
			c.dropCallback()
			return
		}
		a.Observe(ch.Samples)
		c.pump(ch)
	}
	return feed, map[audio.Tag]*mixer.Analyser{audio.TagPrimary: a}
}

// pump encodes one chunk and sends it. It runs on the audio thread, never
// panics out and never fails the session. Send errors are recorded as the
// last error and the session keeps going.
func (c *Controller) pump(ch audio.Chunk) {
	if !c.active.Load() {
		c.dropCallback()
		return
	}
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	if !c.active.Load() {
		c.dropCallback()
		return
	}

	sess := c.pumpSession
	defer func() {
		if r := recover(); r != nil {
			sess.metrics.RecordInternalError()
			err := &InternalError{Op: "encode", Err: fmt.Errorf("panic: %v", r)}
			log.Error("chunk pump panicked", logging.KeySessionID, sess.ID, logging.KeyError, err, "stack", string(debug.Stack()))
			c.setLastErr(sess, err)
		}
	}()

	sess.metrics.RecordCapture()
	start := time.Now()
	size := len(ch.Samples) * pcm.BytesPerSample
	if cap(c.encodeBuf) < size {
		c.encodeBuf = make([]byte, size)
	}
	payload := c.encodeBuf[:size]
	pcm.EncodeInto(payload, ch.Samples)
	sess.metrics.RecordEncode(time.Since(start), size)

	if err := c.stream.SendAudioChunk(payload); err != nil {
		if n := sess.metrics.RecordSendError(); n == 1 || n%100 == 0 {
			log.Warn("failed to send audio chunk", logging.KeySessionID, sess.ID, "sendErrors", n, logging.KeyError, err)
		}
		c.setLastErr(sess, err)
		return
	}
	sess.metrics.RecordSend(size)

	if !c.sawChunk {
		c.sawChunk = true
		c.advanceFrom(sess, StateStarting, StateStreaming)
	}
}

func (c *Controller) dropCallback() {
	if m := c.pumpMetrics.Load(); m != nil {
		m.RecordDroppedCallback()
	}
}

func (c *Controller) tick() {
	if c.State() == StateStreaming {
		c.elapsed.Add(1)
	}
}

// attach records a newly acquired resource, or reports false when the
// session was stopped or failed meanwhile and the caller must release it.
func (c *Controller) attach(sess *Session, fn func(*resources)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(sess) {
		return false
	}
	fn(c.res)
	return true
}

func (c *Controller) advance(sess *Session, to State) bool {
	c.mu.Lock()
	if !c.current(sess) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	log.Debug("step changed", logging.KeySessionID, sess.ID, logging.KeyStep, to.Step())
	c.notify()
	return true
}

func (c *Controller) advanceFrom(sess *Session, from, to State) {
	c.mu.Lock()
	if !c.current(sess) || c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	log.Info("streaming", logging.KeySessionID, sess.ID, logging.KeyStep, to.Step())
	c.notify()
}

// current reports whether sess still owns the controller. Callers hold mu.
func (c *Controller) current(sess *Session) bool {
	return c.session == sess && c.res != nil && c.state.busy() && c.state != StateStopping
}

func (c *Controller) setLastErr(sess *Session, err error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
}

// fail moves sess to the error state and releases its resources and
// returns err. When sess already ended it only wraps err in ErrStopped.
func (c *Controller) fail(sess *Session, err error) error {
	c.mu.Lock()
	if !c.current(sess) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	step := c.state.Step()
	res := c.res
	c.res = nil
	c.lastErr = err
	c.state = StateError
	cancel, done := c.cancel, c.tornDown
	c.mu.Unlock()

	log.Error("capture failed", logging.KeySessionID, sess.ID, logging.KeyStep, step, logging.KeyError, err)
	c.notify()

	cancel()
	c.teardown(res, sess)
	close(done)
	return err
}

// Stop ends the session from any state. Stopping an idle controller is a
// no-op; concurrent calls wait for the first to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return
	case StateStopping:
		done := c.tornDown
		c.mu.Unlock()
		<-done
		return
	case StateError:
		done := c.tornDown
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		if c.state == StateError {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.notify()
		return
	}

	sess, res := c.session, c.res
	c.res = nil
	c.state = StateStopping
	cancel, done := c.cancel, c.tornDown
	c.mu.Unlock()
	c.notify()

	cancel()
	c.teardown(res, sess)

	c.mu.Lock()
	c.state = StateIdle
	close(done)
	c.mu.Unlock()

	counters := sess.metrics.Snapshot()
	log.Info("capture stopped",
		logging.KeySessionID, sess.ID,
		logging.KeyDurationMs, time.Since(sess.StartedAt).Milliseconds(),
		"chunksSent", counters.ChunksSent,
		"sendErrors", counters.SendErrors,
	)
	c.notify()
}

// teardown releases res in order: guard flag, devices, audio graph,
// connection, timers. audio-stop goes out once the pump is drained and
// before the connection closes.
func (c *Controller) teardown(res *resources, sess *Session) {
	c.active.Store(false)
	c.pumpMu.Lock()
	c.stream = nil
	c.pumpMu.Unlock()

	if res == nil {
		return
	}
	logger := log.With(logging.KeySessionID, sess.ID)

	if res.started && res.adapter != nil && res.adapter.IsOpen() {
		if err := res.adapter.SendAudioStop(); err != nil {
			logger.Warn("failed to send audio-stop", logging.KeyError, err)
		}
	}
	for _, src := range []audio.Source{res.secondary, res.primary} {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil {
			logger.Warn("failed to release audio device", logging.KeySource, src.Tag(), logging.KeyError, err)
		}
	}
	if res.mixer != nil {
		res.mixer.Close()
	}
	if res.adapter != nil {
		if err := res.adapter.Close(); err != nil {
			logger.Debug("connection close", logging.KeyError, err)
		}
	}
	res.duration.Stop()
	res.duration.Wait()
}

