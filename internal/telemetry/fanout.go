package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

// ErrNotConnected is returned by Publish when the broker session is down.
// The message is dropped, not queued.
var ErrNotConnected = errors.New("telemetry: broker not connected")

// Status is the connection state reported to callers.
type Status int

const (
	Disabled Status = iota
	Connecting
	Connected
	Reconnecting
	FailedToConnect
)

func (s Status) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case FailedToConnect:
		return "failed to connect"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DefaultDelays is the progressive reconnect schedule.
var DefaultDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Options configures a Fanout.
type Options struct {
	Topic          string
	Encoding       metrics.Encoding
	Delays         []time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultOptions returns the stock retry policy publishing JSON to
// "r50/rowing_data".
func DefaultOptions() Options {
	return Options{
		Topic:          "r50/rowing_data",
		Encoding:       metrics.EncodingJSON,
		Delays:         DefaultDelays,
		MaxAttempts:    10,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// BackoffDelay returns the wait before reconnect attempt number attempt.
// Attempts past the end of the table reuse its last entry.
func BackoffDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	return delays[min(attempt, len(delays)-1)]
}

// Fanout publishes metrics to a Broker and reconnects after failures.
// A reconnect timer is tagged with the generation that armed it; Enable and
// Disable bump the generation so a timer left over from an earlier
// enablement does nothing when it fires.
type Fanout struct {
	broker Broker
	opts   Options

	mu      sync.Mutex
	enabled bool
	status  Status
	attempt int
	gen     uint64
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewFanout creates a disabled Fanout. If broker implements LossNotifier
// its connection-lost callback is routed to OnConnectionLost.
func NewFanout(broker Broker, opts Options) *Fanout {
	def := DefaultOptions()
	if opts.Topic == "" {
		opts.Topic = def.Topic
	}
	if len(opts.Delays) == 0 {
		opts.Delays = def.Delays
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}
	f := &Fanout{broker: broker, opts: opts}
	if n, ok := broker.(LossNotifier); ok {
		n.SetConnectionLostHandler(f.OnConnectionLost)
	}
	return f
}

// Enable starts connecting. Calling it while enabled is a no-op; calling it
// after FailedToConnect starts over with a fresh attempt counter.
func (f *Fanout) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled && f.status != FailedToConnect {
		return
	}
	f.stopTimerLocked()
	f.enabled = true
	f.attempt = 0
	f.gen++
	if f.cancel != nil {
		f.cancel()
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.status = Connecting
	slog.Info("[MQTT] enabled, connecting", "topic", f.opts.Topic)
	go f.connect(f.ctx, f.gen)
}

// Disable cancels any pending reconnect and closes the broker session.
// Safe to call in any state.
func (f *Fanout) Disable() {
	f.mu.Lock()
	if !f.enabled {
		f.mu.Unlock()
		return
	}
	f.enabled = false
	f.gen++
	f.stopTimerLocked()
	f.cancel()
	f.status = Disabled
	f.mu.Unlock()

	f.broker.Close()
	slog.Info("[MQTT] disabled")
}

// Status returns the current connection status.
func (f *Fanout) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Attempt returns the number of reconnect attempts made since the last
// successful connection.
func (f *Fanout) Attempt() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

// OnConnected records an established session and resets the backoff.
func (f *Fanout) OnConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return
	}
	f.stopTimerLocked()
	f.attempt = 0
	f.status = Connected
	slog.Info("[MQTT] connected")
}

// OnConnectionLost schedules a reconnect after an established session drops.
func (f *Fanout) OnConnectionLost(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || f.status != Connected {
		return
	}
	slog.Warn("[MQTT] connection lost", "error", err)
	f.scheduleLocked()
}

// Publish serializes m and sends it to the configured topic. While the
// session is down the message is dropped and ErrNotConnected returned.
func (f *Fanout) Publish(m metrics.RowingMetrics) error {
	f.mu.Lock()
	status, ctx := f.status, f.ctx
	f.mu.Unlock()
	if status != Connected {
		slog.Debug("[MQTT] not connected, dropping metrics", "status", status)
		return ErrNotConnected
	}

	payload, err := metrics.EncodePayload(m, f.opts.Encoding)
	if err != nil {
		return fmt.Errorf("telemetry: encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.PublishTimeout)
	defer cancel()
	if err := f.broker.Publish(ctx, f.opts.Topic, payload, QoSAtLeastOnce); err != nil {
		slog.Warn("[MQTT] publish failed", "topic", f.opts.Topic, "error", err)
		return fmt.Errorf("telemetry: publish: %w", err)
	}
	return nil
}

// Run publishes every value received from in until it closes or ctx ends.
// Publish failures are logged and skipped.
func (f *Fanout) Run(ctx context.Context, in <-chan metrics.RowingMetrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			_ = f.Publish(m)
		}
	}
}

func (f *Fanout) connect(ctx context.Context, gen uint64) {
	cctx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
	err := f.broker.Connect(cctx)
	cancel()

	f.mu.Lock()
	if gen != f.gen || !f.enabled {
		f.mu.Unlock()
		if err == nil {
			f.broker.Close()
		}
		return
	}
	if err != nil {
		slog.Error("[MQTT] connect failed", "error", err, "attempt", f.attempt)
		f.scheduleLocked()
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.OnConnected()
}

// scheduleLocked arms the reconnect timer, or gives up once the attempt
// budget is spent. f.mu must be held.
func (f *Fanout) scheduleLocked() {
	f.stopTimerLocked()
	if f.attempt >= f.opts.MaxAttempts {
		f.status = FailedToConnect
		slog.Error("[MQTT] max reconnection attempts reached, giving up", "attempts", f.attempt)
		return
	}
	delay := BackoffDelay(f.attempt, f.opts.Delays)
	f.status = Reconnecting
	slog.Info("[MQTT] reconnect backoff", "attempt", f.attempt+1, "max", f.opts.MaxAttempts, "delay", delay)

	gen := f.gen
	f.timer = time.AfterFunc(delay, func() { f.retry(gen) })
}

func (f *Fanout) retry(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || !f.enabled || f.status != Reconnecting {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	f.attempt++
	f.status = Connecting
	ctx := f.ctx
	f.mu.Unlock()

	f.broker.Close()
	f.connect(ctx, gen)
}

func (f *Fanout) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
