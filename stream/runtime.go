// Package stream implements the per-venue WebSocket runtime: a single
// multiplexed socket, reference-counted subscriptions, reconnect with
// resubscribe, heartbeat supervision, and bounded fan-out to consumers.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/observability"
)

// ErrClosed is returned by Next after the consumer closed its sequence.
var ErrClosed = errors.New("stream: sequence closed")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultReconnectInitial  = 500 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 10
	defaultBufferSize        = 16
	defaultControlRate       = rate.Limit(4)
	defaultControlBurst      = 4
)

// State is the runtime connection state.
type State int32

const (
	Disconnected State = iota
	Connected
	Reconnecting
	Closed
)

// Config parameterizes the runtime for one venue socket.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectJitter   float64
	MaxReconnects     int
	BufferSize        int
	ControlRate       rate.Limit
	ControlBurst      int

	// Route extracts the channel id and event payload from a raw server
	// message. ok=false means the frame is not channel data (acks, pongs)
	// and is dropped silently.
	Route func(raw []byte) (channelID string, payload json.RawMessage, ok bool)

	// PingFrame, when non-nil, produces the venue's textual keep-alive
	// frame. Nil uses a protocol-level ping with pong confirmation.
	PingFrame func() []byte

	// OnConnect runs after every successful dial before resubscription,
	// typically to send a freshly signed authentication frame. Stale auth
	// is never reused across reconnects.
	OnConnect func(ctx context.Context, send func(context.Context, []byte) error) error
}

type subscription struct {
	id        string
	frame     func(ctx context.Context) ([]byte, error)
	unsub     func() []byte
	consumers map[*Sequence]struct{}
}

// Runtime owns one venue socket and its subscription registry.
type Runtime struct {
	venue   string
	cfg     Config
	logger  observability.Logger
	metrics observability.Metrics
	limiter *rate.Limiter

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          map[string]*subscription
	pendingUnsubs [][]byte
	state         State
	cancel        context.CancelFunc
	runDone       chan struct{}

	lastRead atomic.Int64
}

// New constructs a runtime. Nil metrics and logger default to no-ops.
func New(venue string, cfg Config, metrics observability.Metrics, logger observability.Logger) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ReconnectJitter <= 0 {
		cfg.ReconnectJitter = 0.2
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultReconnectAttempts
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = defaultControlRate
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = defaultControlBurst
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Runtime{
		venue:   venue,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		limiter: rate.NewLimiter(cfg.ControlRate, cfg.ControlBurst),
		subs:    make(map[string]*subscription),
		state:   Disconnected,
	}
}

// State reports the current connection state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect dials the venue socket and starts the read and heartbeat loops.
// Idempotent while connected.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Connected {
		r.mu.Unlock()
		return nil
	}
	if r.state == Closed {
		r.mu.Unlock()
		return errs.New(r.venue, errs.KindWebSocketDisconnected,
			errs.WithMessage("runtime closed"))
	}
	r.mu.Unlock()

	conn, err := r.dial(ctx)
	if err != nil {
		return errs.New(r.venue, errs.KindWebSocketDisconnected,
			errs.WithMessage("dial failed"), errs.WithCause(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.conn = conn
	r.state = Connected
	r.cancel = cancel
	r.runDone = done
	r.mu.Unlock()

	if err := r.afterConnect(runCtx, conn); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		r.mu.Lock()
		r.conn = nil
		r.state = Disconnected
		r.mu.Unlock()
		return err
	}

	go r.run(runCtx, conn, done)
	return nil
}

// Disconnect tears down the socket, cancels timers and ends every sequence.
// Idempotent.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return
	}
	r.state = Closed
	conn := r.conn
	r.conn = nil
	cancel := r.cancel
	done := r.runDone
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.pendingUnsubs = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	if done != nil {
		<-done
	}
	endErr := errs.New(r.venue, errs.KindWebSocketDisconnected,
		errs.WithMessage("runtime disconnected"))
	for _, sub := range subs {
		for seq := range sub.consumers {
			seq.fail(endErr)
		}
	}
}

// Subscribe registers a consumer on channelID. frame builds the subscribe
// message and is re-invoked with fresh auth on every reconnect; unsub builds
// the venue unsubscribe frame sent when the last consumer leaves.
func (r *Runtime) Subscribe(ctx context.Context, channelID string, frame func(context.Context) ([]byte, error), unsub func() []byte) (*Sequence, error) {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return nil, errs.New(r.venue, errs.KindWebSocketDisconnected,
			errs.WithMessage("runtime closed"))
	}
	sub, exists := r.subs[channelID]
	if !exists {
		sub = &subscription{
			id:        channelID,
			frame:     frame,
			unsub:     unsub,
			consumers: make(map[*Sequence]struct{}),
		}
		r.subs[channelID] = sub
	}
	seq := newSequence(r, sub, r.cfg.BufferSize)
	sub.consumers[seq] = struct{}{}
	conn := r.conn
	connected := r.state == Connected
	r.mu.Unlock()

	if !exists && connected {
		payload, err := frame(ctx)
		if err != nil {
			r.dropConsumer(seq)
			return nil, err
		}
		if err := r.send(ctx, conn, payload); err != nil {
			r.dropConsumer(seq)
			return nil, errs.New(r.venue, errs.KindWebSocketDisconnected,
				errs.WithMessage("subscribe send failed"), errs.WithCause(err))
		}
	}
	return seq, nil
}

// dropConsumer removes seq from its subscription; at refcount zero the
// unsubscribe frame is sent, or queued when the socket is down.
func (r *Runtime) dropConsumer(seq *Sequence) {
	r.mu.Lock()
	sub := seq.sub
	delete(sub.consumers, seq)
	if len(sub.consumers) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub.id)
	var payload []byte
	if sub.unsub != nil {
		payload = sub.unsub()
	}
	conn := r.conn
	connected := r.state == Connected
	if payload != nil && !connected {
		r.pendingUnsubs = append(r.pendingUnsubs, payload)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if payload != nil && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.send(ctx, conn, payload); err != nil {
			r.logger.Debug("unsubscribe send failed",
				observability.F("venue", r.venue),
				observability.F("channel", sub.id))
		}
	}
}

func (r *Runtime) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, r.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 22)
	r.lastRead.Store(time.Now().UnixNano())
	return conn, nil
}

// afterConnect authenticates and replays the registry on a fresh socket.
func (r *Runtime) afterConnect(ctx context.Context, conn *websocket.Conn) error {
	send := func(ctx context.Context, payload []byte) error {
		return r.send(ctx, conn, payload)
	}
	if r.cfg.OnConnect != nil {
		if err := r.cfg.OnConnect(ctx, send); err != nil {
			return err
		}
	}

	r.mu.Lock()
	pending := r.pendingUnsubs
	r.pendingUnsubs = nil
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, payload := range pending {
		if err := send(ctx, payload); err != nil {
			return err
		}
	}
	for _, sub := range subs {
		payload, err := sub.frame(ctx)
		if err != nil {
			return err
		}
		if err := send(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) send(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if payload == nil {
		// Channels authenticated through the dial URL have no subscribe frame.
		return nil
	}
	if conn == nil {
		return errors.New("stream: not connected")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (r *Runtime) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		hbCtx, hbCancel := context.WithCancel(ctx)
		go r.heartbeat(hbCtx, conn)
		err := r.readLoop(ctx, conn)
		hbCancel()
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("socket read failed",
			observability.F("venue", r.venue),
			observability.F("error", err.Error()))

		next, ok := r.reconnect(ctx)
		if !ok {
			r.failAll(errs.New(r.venue, errs.KindWebSocketDisconnected,
				errs.WithMessage("reconnect attempts exhausted"), errs.WithCause(err)))
			return
		}
		conn = next
	}
}

func (r *Runtime) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		r.lastRead.Store(time.Now().UnixNano())
		r.dispatch(data)
	}
}

func (r *Runtime) dispatch(raw []byte) {
	if r.cfg.Route == nil {
		return
	}
	channelID, payload, ok := r.cfg.Route(raw)
	if !ok {
		return
	}
	r.mu.Lock()
	sub, exists := r.subs[channelID]
	var consumers []*Sequence
	if exists {
		consumers = make([]*Sequence, 0, len(sub.consumers))
		for seq := range sub.consumers {
			consumers = append(consumers, seq)
		}
	}
	r.mu.Unlock()
	for _, seq := range consumers {
		if seq.deliver(payload) {
			r.metrics.IncCounter(observability.MetricWSDroppedEventsTotal, 1, map[string]string{
				"venue": r.venue, "channel": channelID,
			})
		}
	}
}

// heartbeat supervises liveness on one connection. A missed pong or a stale
// read window forces the connection closed, which the run loop turns into a
// reconnect.
func (r *Runtime) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.cfg.PingFrame != nil {
			if err := r.send(ctx, conn, r.cfg.PingFrame()); err != nil {
				return
			}
			stale := time.Duration(time.Now().UnixNano()-r.lastRead.Load()) * time.Nanosecond
			if stale > r.cfg.HeartbeatInterval+r.cfg.PongTimeout {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PongTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "pong timeout")
			return
		}
	}
}

// reconnect dials with jittered exponential backoff until MaxReconnects is
// spent. On success the registry is replayed with fresh auth.
func (r *Runtime) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return nil, false
	}
	r.state = Reconnecting
	r.conn = nil
	r.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectInitial
	bo.MaxInterval = r.cfg.ReconnectMax
	bo.RandomizationFactor = r.cfg.ReconnectJitter
	bo.Reset()

	for attempt := 1; attempt <= r.cfg.MaxReconnects; attempt++ {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = r.cfg.ReconnectMax
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, err := r.dial(ctx)
		if err != nil {
			r.logger.Warn("reconnect dial failed",
				observability.F("venue", r.venue),
				observability.F("attempt", attempt))
			continue
		}
		if err := r.afterConnect(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "resubscribe failed")
			r.logger.Warn("resubscribe failed",
				observability.F("venue", r.venue),
				observability.F("attempt", attempt))
			continue
		}

		r.mu.Lock()
		if r.state == Closed {
			r.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
			return nil, false
		}
		r.conn = conn
		r.state = Connected
		r.mu.Unlock()
		r.metrics.IncCounter(observability.MetricWSReconnectsTotal, 1, map[string]string{"venue": r.venue})
		return conn, true
	}
	return nil, false
}

func (r *Runtime) failAll(err error) {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	if r.state != Closed {
		r.state = Disconnected
	}
	r.conn = nil
	r.mu.Unlock()
	for _, sub := range subs {
		for seq := range sub.consumers {
			seq.fail(err)
		}
	}
}
