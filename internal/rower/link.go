package rower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/rowbridge/internal/ble"
	"github.com/chaz8081/rowbridge/internal/metrics"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("rower: link already running")

// LinkOptions configures the link timers.
type LinkOptions struct {
	HandshakeInterval time.Duration // delay between initialization payloads
	KeepAliveInterval time.Duration // keep-alive period while streaming
}

// DefaultLinkOptions returns the timings the ergometer expects.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		HandshakeInterval: time.Second,
		KeepAliveInterval: time.Second,
	}
}

// Link owns the connection to one ergometer. A single loop goroutine per run
// consumes events and applies transition; nothing else touches the state.
type Link struct {
	adapter ble.Adapter
	address string
	opts    LinkOptions
	now     func() time.Time

	mu      sync.Mutex
	state   State
	events  chan event
	done    chan struct{}
	subs    map[int]chan metrics.RowingMetrics
	nextSub int
}

// NewLink creates an idle link to the ergometer at address.
func NewLink(adapter ble.Adapter, address string, opts LinkOptions) *Link {
	def := DefaultLinkOptions()
	if opts.HandshakeInterval <= 0 {
		opts.HandshakeInterval = def.HandshakeInterval
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = def.KeepAliveInterval
	}
	done := make(chan struct{})
	close(done)
	return &Link{
		adapter: adapter,
		address: address,
		opts:    opts,
		now:     time.Now,
		done:    done,
		subs:    make(map[int]chan metrics.RowingMetrics),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done returns a channel closed when the current run reaches Disconnected.
// Before the first Start it is already closed.
func (l *Link) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Subscribe registers a metrics receiver with the given buffer size. A
// receiver that falls behind misses frames rather than stalling the link.
// cancel unregisters and closes the channel.
func (l *Link) Subscribe(buffer int) (<-chan metrics.RowingMetrics, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan metrics.RowingMetrics, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Start begins connecting. It is valid from Idle or Disconnected; the link
// never reconnects on its own, so the owner restarts it after a drop.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state.active() {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := l.adapter.Enable(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("rower: enable adapter: %w", err)
	}
	events := make(chan event, 64)
	done := make(chan struct{})
	var effects []effect
	l.events = events
	l.done = done
	l.state, effects = transition(l.state, event{kind: evStart})
	state := l.state
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{link: l, ctx: runCtx, cancel: cancel, events: events}
	slog.Info("[ROWER] connecting", "address", l.address)
	go r.loop(state, effects, done)
	return nil
}

// Stop disconnects and waits for the run to finish. It is safe to call in
// any state and more than once.
func (l *Link) Stop() {
	l.mu.Lock()
	events, done, active := l.events, l.done, l.state.active()
	l.mu.Unlock()
	if !active {
		return
	}
	select {
	case events <- event{kind: evStopRequested}:
	case <-done:
	}
	<-done
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) emit(m metrics.RowingMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- m:
		default:
			slog.Debug("[ROWER] subscriber behind, frame dropped", "subscriber", id)
		}
	}
}

// run holds the resources of one connection attempt. Only the loop
// goroutine reads or writes its fields after construction.
type run struct {
	link   *Link
	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	conn      ble.Connection
	notify    ble.Characteristic
	write     ble.Characteristic
	tick      *time.Timer
	keepAlive context.CancelFunc

	mu     sync.Mutex // guards closed against late driver results
	closed bool
}

// post delivers ev to the loop unless the run is over.
func (r *run) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *run) loop(state State, initial []effect, done chan struct{}) {
	defer close(done)
	defer r.release()

	for _, eff := range initial {
		r.execute(eff)
	}
	for {
		var ev event
		select {
		case ev = <-r.events:
		case <-r.ctx.Done():
			ev = event{kind: evStopRequested}
		}
		r.capture(ev)
		next, effects := transition(state, ev)
		if next != state {
			slog.Debug("[ROWER] state", "from", state, "to", next)
			state = next
			r.link.setState(state)
		}
		for _, eff := range effects {
			r.execute(eff)
		}
		if state.Phase == Disconnected {
			slog.Info("[ROWER] disconnected", "address", r.link.address, "reason", state.Reason)
			return
		}
	}
}

// release ends the run. A connection delivered after the loop stopped
// reading is never adopted, so it is closed here.
func (r *run) release() {
	r.cancel()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for {
		select {
		case ev := <-r.events:
			if ev.kind == evConnected && ev.handles != nil && ev.handles.conn != nil {
				closeStale(ev.handles.conn)
			}
		default:
			return
		}
	}
}

func closeStale(conn ble.Connection) {
	slog.Debug("[ROWER] closing connection that completed after stop")
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[ROWER] disconnect", "error", err)
	}
}

// capture keeps the resources carried by successful driver results.
func (r *run) capture(ev event) {
	if ev.err != nil || ev.handles == nil {
		return
	}
	switch ev.kind {
	case evConnected:
		r.conn = ev.handles.conn
	case evServicesFound:
		r.notify, r.write = ev.handles.notify, ev.handles.write
	}
}

func (r *run) execute(eff effect) {
	switch eff.kind {
	case effConnect:
		go r.connect()
	case effDiscover:
		go r.discover(r.conn)
	case effSubscribe:
		go r.subscribe(r.notify)
	case effWriteHandshake:
		payload, _ := HandshakePayload(eff.step)
		slog.Debug("[ROWER] handshake", "step", eff.step)
		r.writeAndReport(payload)
	case effScheduleTick:
		r.tick = time.AfterFunc(r.link.opts.HandshakeInterval, func() {
			r.post(event{kind: evHandshakeTick})
		})
	case effStartKeepAlive:
		slog.Info("[ROWER] streaming", "address", r.link.address)
		r.startKeepAlive()
	case effWriteKeepAlive:
		r.writeAndReport(KeepAlivePayload())
	case effStopTimers:
		if r.tick != nil {
			r.tick.Stop()
		}
		if r.keepAlive != nil {
			r.keepAlive()
		}
	case effEmit:
		r.link.emit(Decode(eff.data, r.link.now()))
	case effDisconnect:
		if r.conn != nil {
			if err := r.conn.Disconnect(); err != nil {
				slog.Warn("[ROWER] disconnect", "error", err)
			}
		}
	case effLogWriteFailure:
		slog.Warn("[ROWER] write failed", "step", eff.step, "error", eff.err)
	}
}

// writeAndReport writes to the control characteristic and feeds the result
// back through the state machine. Failures never stop the timers.
func (r *run) writeAndReport(payload []byte) {
	if r.write == nil {
		return
	}
	err := r.write.Write(payload)
	if err == nil {
		return
	}
	_, effects := transition(r.link.State(), event{kind: evWriteCompleted, err: err})
	for _, eff := range effects {
		r.execute(eff)
	}
}

func (r *run) startKeepAlive() {
	ctx, cancel := context.WithCancel(r.ctx)
	r.keepAlive = cancel
	go func() {
		t := time.NewTicker(r.link.opts.KeepAliveInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.post(event{kind: evKeepAliveTick})
			}
		}
	}()
}

func (r *run) connect() {
	conn, err := r.link.adapter.Connect(r.ctx, r.link.address)
	if err != nil {
		r.post(event{kind: evConnected, err: err})
		return
	}
	conn.OnDisconnect(func() {
		r.post(event{kind: evDisconnected, reason: "remote disconnect"})
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		closeStale(conn)
		return
	}
	select {
	case r.events <- event{kind: evConnected, handles: &handles{conn: conn}}:
	case <-r.ctx.Done():
		closeStale(conn)
	}
}

func (r *run) discover(conn ble.Connection) {
	notify, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyUUID)
	if err != nil {
		// Some firmware revisions expose the characteristics outside fff0.
		notify, err = conn.DiscoverCharacteristic("", NotifyUUID)
	}
	if err != nil {
		r.post(event{kind: evServicesFound, err: fmt.Errorf("rower: discover notify characteristic: %w", err)})
		return
	}
	write, err := conn.DiscoverCharacteristic("", WriteUUID)
	if err != nil {
		r.post(event{kind: evServicesFound, err: fmt.Errorf("rower: discover write characteristic: %w", err)})
		return
	}
	r.post(event{kind: evServicesFound, handles: &handles{notify: notify, write: write}})
}

func (r *run) subscribe(notify ble.Characteristic) {
	err := notify.Subscribe(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		r.post(event{kind: evDataReceived, data: buf})
	})
	if err != nil {
		err = fmt.Errorf("rower: enable notifications: %w", err)
	}
	r.post(event{kind: evSubscribed, err: err})
}
