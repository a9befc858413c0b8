package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

// mockBroker is a Broker whose Connect fails while failures > 0.
type mockBroker struct {
	mu        sync.Mutex
	failures  int
	connects  int
	closes    int
	published []publishCall
	onLost    func(error)
}

type publishCall struct {
	topic   string
	payload []byte
	qos     byte
}

func (b *mockBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.failures != 0 {
		if b.failures > 0 {
			b.failures--
		}
		return errors.New("connection refused")
	}
	return nil
}

func (b *mockBroker) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishCall{topic, payload, qos})
	return nil
}

func (b *mockBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
}

func (b *mockBroker) SetConnectionLostHandler(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLost = fn
}

func (b *mockBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *mockBroker) publishes() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishCall(nil), b.published...)
}

func (b *mockBroker) simulateLoss(err error) {
	b.mu.Lock()
	fn := b.onLost
	b.mu.Unlock()
	fn(err)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Delays = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	opts.MaxAttempts = 3
	return opts
}

func waitForStatus(t *testing.T, f *Fanout, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status = %v, want %v", f.Status(), want)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 30 * time.Second},
		{5, 30 * time.Second},
		{100, 30 * time.Second},
		{-1, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt, DefaultDelays); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := BackoffDelay(3, nil); got != 0 {
		t.Errorf("BackoffDelay with empty table = %v, want 0", got)
	}
}

func TestEnableConnectsAndPublishes(t *testing.T) {
	b := &mockBroker{}
	f := NewFanout(b, fastOptions())
	defer f.Disable()

	f.Enable()
	waitForStatus(t, f, Connected)

	m := metrics.RowingMetrics{RawHex: "00", TimestampMs: 5, PowerWatts: metrics.Some(120)}
	if err := f.Publish(m); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	calls := b.publishes()
	if len(calls) != 1 {
		t.Fatalf("published %d messages, want 1", len(calls))
	}
	if calls[0].topic != "r50/rowing_data" || calls[0].qos != QoSAtLeastOnce {
		t.Errorf("publish topic/qos = %q/%d", calls[0].topic, calls[0].qos)
	}
	got, err := metrics.DecodePayload(calls[0].payload, metrics.EncodingJSON)
	if err != nil {
		t.Fatalf("payload is not JSON metrics: %v", err)
	}
	if got != m {
		t.Errorf("payload = %+v, want %+v", got, m)
	}
}

func TestPublishDroppedWhileDisconnected(t *testing.T) {
	b := &mockBroker{}
	f := NewFanout(b, fastOptions())

	if err := f.Publish(metrics.RowingMetrics{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() while disabled error = %v, want ErrNotConnected", err)
	}
	if len(b.publishes()) != 0 {
		t.Error("message reached the broker while disabled")
	}
}

func TestMaxAttemptsFailsToConnect(t *testing.T) {
	b := &mockBroker{failures: -1}
	f := NewFanout(b, fastOptions())
	defer f.Disable()

	f.Enable()
	waitForStatus(t, f, FailedToConnect)

	// Initial attempt plus one per scheduled retry.
	if got := b.connectCount(); got != 4 {
		t.Errorf("connect calls = %d, want 4", got)
	}
	if got := f.Attempt(); got != 3 {
		t.Errorf("Attempt() = %d, want 3", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.connectCount(); got != 4 {
		t.Errorf("connect calls after giving up = %d, want 4", got)
	}
}

func TestSuccessResetsAttempt(t *testing.T) {
	b := &mockBroker{failures: 2}
	f := NewFanout(b, fastOptions())
	defer f.Disable()

	f.Enable()
	waitForStatus(t, f, Connected)
	if got := f.Attempt(); got != 0 {
		t.Errorf("Attempt() after connect = %d, want 0", got)
	}
	if got := b.connectCount(); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
}

func TestConnectionLostReconnects(t *testing.T) {
	b := &mockBroker{}
	f := NewFanout(b, fastOptions())
	defer f.Disable()

	f.Enable()
	waitForStatus(t, f, Connected)

	b.simulateLoss(errors.New("broker went away"))
	waitForStatus(t, f, Connected)
	if got := b.connectCount(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestConnectionLostIgnoredWhenDisabled(t *testing.T) {
	b := &mockBroker{}
	f := NewFanout(b, fastOptions())
	f.OnConnectionLost(errors.New("stale"))
	if f.Status() != Disabled {
		t.Errorf("status = %v, want disabled", f.Status())
	}
}

func TestDisableCancelsReconnect(t *testing.T) {
	b := &mockBroker{failures: -1}
	opts := fastOptions()
	opts.Delays = []time.Duration{30 * time.Millisecond}
	f := NewFanout(b, opts)

	f.Enable()
	waitForStatus(t, f, Reconnecting)
	f.Disable()
	f.Disable()

	time.Sleep(60 * time.Millisecond)
	if got := b.connectCount(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if f.Status() != Disabled {
		t.Errorf("status = %v, want disabled", f.Status())
	}
}

func TestEnableAfterFailureStartsOver(t *testing.T) {
	b := &mockBroker{failures: 4}
	f := NewFanout(b, fastOptions())
	defer f.Disable()

	f.Enable()
	waitForStatus(t, f, FailedToConnect)

	f.Enable()
	waitForStatus(t, f, Connected)
	if got := f.Attempt(); got != 0 {
		t.Errorf("Attempt() = %d, want 0", got)
	}
}

func TestRunForwardsUntilClosed(t *testing.T) {
	b := &mockBroker{}
	f := NewFanout(b, fastOptions())
	defer f.Disable()
	f.Enable()
	waitForStatus(t, f, Connected)

	in := make(chan metrics.RowingMetrics, 3)
	for i := range 3 {
		in <- metrics.RowingMetrics{TimestampMs: int64(i)}
	}
	close(in)
	f.Run(context.Background(), in)

	if got := len(b.publishes()); got != 3 {
		t.Errorf("published %d, want 3", got)
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		Disabled:        "disabled",
		Connecting:      "connecting",
		Connected:       "connected",
		Reconnecting:    "reconnecting",
		FailedToConnect: "failed to connect",
		Status(42):      "status(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
