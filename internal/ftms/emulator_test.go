package ftms

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/rowbridge/internal/ble"
	"github.com/chaz8081/rowbridge/internal/metrics"
)

type sent struct {
	peer     ble.PeerID
	char     string
	value    []byte
	indicate bool
}

// mockPeripheral records outbound traffic and lets tests inject events.
type mockPeripheral struct {
	mu           sync.Mutex
	handler      ble.EventHandler
	services     []ble.ServiceSpec
	adv          *ble.Advertisement
	advertiseErr error
	sent         []sent
	gate         chan struct{} // when set, Indicate blocks until it is closed
}

func (p *mockPeripheral) Serve(services []ble.ServiceSpec, handler ble.EventHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = services
	p.handler = handler
	return nil
}

func (p *mockPeripheral) Advertise(adv ble.Advertisement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advertiseErr != nil {
		return p.advertiseErr
	}
	p.adv = &adv
	return nil
}

func (p *mockPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adv = nil
	return nil
}

func (p *mockPeripheral) record(s sent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, s)
}

func (p *mockPeripheral) Notify(peer ble.PeerID, char string, value []byte) error {
	p.record(sent{peer: peer, char: char, value: value})
	return nil
}

func (p *mockPeripheral) Indicate(peer ble.PeerID, char string, value []byte) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.record(sent{peer: peer, char: char, value: value, indicate: true})
	return nil
}

func (p *mockPeripheral) Close() error { return nil }

// SimulateEvent delivers an event as the BLE stack would.
func (p *mockPeripheral) SimulateEvent(ev ble.Event) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	return h(ev)
}

func (p *mockPeripheral) sentTo(peer ble.PeerID, char string) []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sent
	for _, s := range p.sent {
		if s.peer == peer && s.char == char {
			out = append(out, s)
		}
	}
	return out
}

func (p *mockPeripheral) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startEmulator(t *testing.T, opts Options) (*Emulator, *mockPeripheral) {
	t.Helper()
	periph := &mockPeripheral{}
	e := NewEmulator(periph, opts)
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e, periph
}

func connectPeer(t *testing.T, periph *mockPeripheral, id ble.PeerID, subscribe map[string][]byte) {
	t.Helper()
	if err := periph.SimulateEvent(ble.Event{Kind: ble.PeerConnected, Peer: id}); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	for char, v := range subscribe {
		if err := periph.SimulateEvent(ble.Event{Kind: ble.DescriptorWrite, Peer: id, Char: char, Value: v}); err != nil {
			t.Fatalf("CCCD %s %s: %v", id, char, err)
		}
	}
}

var (
	enableNotify   = []byte{0x01, 0x00}
	enableIndicate = []byte{0x02, 0x00}
)

func writeControl(periph *mockPeripheral, id ble.PeerID, cmd ...byte) error {
	return periph.SimulateEvent(ble.Event{Kind: ble.CharacteristicWrite, Peer: id, Char: ControlPointUUID, Value: cmd})
}

func TestEmulatorServesProfile(t *testing.T) {
	_, periph := startEmulator(t, Options{Profile: Bike})

	var chars []string
	for _, svc := range periph.services {
		for _, c := range svc.Characteristics {
			chars = append(chars, c.UUID)
		}
	}
	want := map[string]bool{IndoorBikeDataUUID: true, FeatureUUID: true, ControlPointUUID: true, StatusUUID: true, ManufacturerUUID: true}
	for _, c := range chars {
		delete(want, c)
		if c == RowerDataUUID {
			t.Error("bike profile should not serve Rower Data")
		}
	}
	if len(want) != 0 {
		t.Errorf("missing characteristics: %v", want)
	}

	if periph.adv == nil {
		t.Fatal("not advertising")
	}
	if periph.adv.LocalName != "R50 Rower" {
		t.Errorf("LocalName = %q", periph.adv.LocalName)
	}
	sd := periph.adv.ServiceData[0]
	if sd.UUID != ServiceUUID || !bytes.Equal(sd.Data, []byte{0x01, 0x20, 0x00}) {
		t.Errorf("service data = %s % x", sd.UUID, sd.Data)
	}
}

func TestEmulatorAdvertiseFailure(t *testing.T) {
	periph := &mockPeripheral{advertiseErr: errors.New("advertising not supported")}
	e := NewEmulator(periph, DefaultOptions())
	if err := e.Start(); err == nil {
		t.Fatal("Start() should fail")
	}
	if got := e.Status(); got != StatusError {
		t.Errorf("Status() = %v, want %v", got, StatusError)
	}
}

func TestEmulatorUpdateWithoutPeers(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	e.Update(fullMetrics())
	time.Sleep(10 * time.Millisecond)
	if n := periph.total(); n != 0 {
		t.Errorf("sent %d messages with no peers", n)
	}
}

func TestEmulatorNotifiesOnlySubscribedPeers(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{RowerDataUUID: enableNotify})
	connectPeer(t, periph, "b", nil)
	connectPeer(t, periph, "c", map[string][]byte{StatusUUID: enableNotify})

	e.Update(fullMetrics())
	waitFor(t, "notify to a", func() bool { return len(periph.sentTo("a", RowerDataUUID)) == 1 })

	got := periph.sentTo("a", RowerDataUUID)[0].value
	if !bytes.Equal(got, EncodeRowerData(fullMetrics())) {
		t.Errorf("payload = %x", got)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(periph.sentTo("b", RowerDataUUID)) + len(periph.sentTo("c", RowerDataUUID)); n != 0 {
		t.Errorf("unsubscribed peers got %d notifications", n)
	}
}

func TestEmulatorSkipsRawFrames(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{RowerDataUUID: enableNotify})

	e.Update(metrics.RowingMetrics{RawHex: "f0a5", TimestampMs: 1})
	time.Sleep(10 * time.Millisecond)
	if n := periph.total(); n != 0 {
		t.Errorf("raw frame produced %d notifications", n)
	}
}

func TestEmulatorDisconnectClearsCCCD(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{RowerDataUUID: enableNotify})
	periph.SimulateEvent(ble.Event{Kind: ble.PeerDisconnected, Peer: "a"})
	if e.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d, want 0", e.PeerCount())
	}

	// Reconnecting without re-subscribing receives nothing.
	connectPeer(t, periph, "a", nil)
	e.Update(fullMetrics())
	time.Sleep(10 * time.Millisecond)
	if n := len(periph.sentTo("a", RowerDataUUID)); n != 0 {
		t.Errorf("got %d notifications after reconnect without CCCD", n)
	}
}

func TestEmulatorCCCDDisable(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{RowerDataUUID: enableNotify})
	periph.SimulateEvent(ble.Event{Kind: ble.DescriptorWrite, Peer: "a", Char: RowerDataUUID, Value: []byte{0x00, 0x00}})

	e.Update(fullMetrics())
	time.Sleep(10 * time.Millisecond)
	if n := periph.total(); n != 0 {
		t.Errorf("got %d notifications after disabling", n)
	}
}

func TestEmulatorCCCDFromUnknownPeer(t *testing.T) {
	_, periph := startEmulator(t, DefaultOptions())
	err := periph.SimulateEvent(ble.Event{Kind: ble.DescriptorWrite, Peer: "ghost", Char: RowerDataUUID, Value: enableNotify})
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("error = %v, want ErrUnknownPeer", err)
	}
}

func TestControlPointResponses(t *testing.T) {
	tests := []struct {
		name string
		cmd  []byte
		want []byte
	}{
		{"request control", []byte{0x00}, []byte{0x80, 0x00, 0x01}},
		{"reset", []byte{0x01}, []byte{0x80, 0x01, 0x01}},
		{"target speed", []byte{0x02, 0xe8, 0x03}, []byte{0x80, 0x02, 0x01}},
		{"target speed truncated", []byte{0x02, 0xe8}, []byte{0x80, 0x02, 0x03}},
		{"target power", []byte{0x05, 0xc8, 0x00}, []byte{0x80, 0x05, 0x01}},
		{"target power truncated", []byte{0x05}, []byte{0x80, 0x05, 0x03}},
		{"start", []byte{0x07}, []byte{0x80, 0x07, 0x01}},
		{"stop", []byte{0x08, 0x01}, []byte{0x80, 0x08, 0x01}},
		{"pause", []byte{0x08, 0x02}, []byte{0x80, 0x08, 0x01}},
		{"stop bad param", []byte{0x08, 0x07}, []byte{0x80, 0x08, 0x03}},
		{"stop missing param", []byte{0x08}, []byte{0x80, 0x08, 0x03}},
		{"resistance not advertised", []byte{0x04, 0x05}, []byte{0x80, 0x04, 0x02}},
		{"inclination not advertised", []byte{0x03, 0x10, 0x00}, []byte{0x80, 0x03, 0x02}},
		{"unsupported", []byte{0x99}, []byte{0x80, 0x99, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, periph := startEmulator(t, DefaultOptions())
			connectPeer(t, periph, "a", map[string][]byte{ControlPointUUID: enableIndicate})
			if err := writeControl(periph, "a", tt.cmd...); err != nil {
				t.Fatalf("write error = %v", err)
			}
			waitFor(t, "indication", func() bool { return len(periph.sentTo("a", ControlPointUUID)) == 1 })
			got := periph.sentTo("a", ControlPointUUID)[0]
			if !got.indicate {
				t.Error("response should be an indication")
			}
			if !bytes.Equal(got.value, tt.want) {
				t.Errorf("response = % x, want % x", got.value, tt.want)
			}
		})
	}
}

func TestControlPointStatusNotifications(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{ControlPointUUID: enableIndicate})
	connectPeer(t, periph, "b", map[string][]byte{StatusUUID: enableNotify})

	if err := writeControl(periph, "a", 0x05, 0xc8, 0x00); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "status", func() bool { return len(periph.sentTo("b", StatusUUID)) == 1 })
	if got := periph.sentTo("b", StatusUUID)[0].value; !bytes.Equal(got, []byte{0x08, 0xc8, 0x00}) {
		t.Errorf("status = % x, want 08 c8 00", got)
	}
	waitFor(t, "control point idle", func() bool { return e.ControlPoint() == ControlIdle })

	if err := writeControl(periph, "a", 0x08, 0x02); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pause status", func() bool { return len(periph.sentTo("b", StatusUUID)) == 2 })
	if got := periph.sentTo("b", StatusUUID)[1].value; !bytes.Equal(got, []byte{0x02, 0x02}) {
		t.Errorf("status = % x, want 02 02", got)
	}
}

func TestControlPointRequiresIndications(t *testing.T) {
	_, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", nil)
	if err := writeControl(periph, "a", 0x00); !errors.Is(err, ErrCCCDImproperlyConfigured) {
		t.Errorf("error = %v, want ErrCCCDImproperlyConfigured", err)
	}
}

func TestControlPointOneProcedureAtATime(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	periph.gate = make(chan struct{})
	connectPeer(t, periph, "a", map[string][]byte{ControlPointUUID: enableIndicate})
	connectPeer(t, periph, "b", map[string][]byte{ControlPointUUID: enableIndicate})

	if err := writeControl(periph, "a", 0x00); err != nil {
		t.Fatal(err)
	}
	if err := writeControl(periph, "b", 0x00); !errors.Is(err, ErrProcedureInProgress) {
		t.Errorf("second write error = %v, want ErrProcedureInProgress", err)
	}

	close(periph.gate)
	waitFor(t, "control point idle", func() bool { return e.ControlPoint() == ControlIdle })
	if err := writeControl(periph, "b", 0x00); err != nil {
		t.Errorf("write after confirmation error = %v", err)
	}
}

func TestControlPointReleasedOnDisconnect(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	periph.gate = make(chan struct{})
	defer close(periph.gate)
	connectPeer(t, periph, "a", map[string][]byte{ControlPointUUID: enableIndicate})

	if err := writeControl(periph, "a", 0x00); err != nil {
		t.Fatal(err)
	}
	periph.SimulateEvent(ble.Event{Kind: ble.PeerDisconnected, Peer: "a"})
	if got := e.ControlPoint(); got != ControlIdle {
		t.Errorf("ControlPoint() = %v, want ControlIdle", got)
	}
}

func TestWriteToReadOnlyCharacteristic(t *testing.T) {
	_, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", nil)
	err := periph.SimulateEvent(ble.Event{Kind: ble.CharacteristicWrite, Peer: "a", Char: FeatureUUID, Value: []byte{1}})
	if !errors.Is(err, ErrWriteNotPermitted) {
		t.Errorf("error = %v, want ErrWriteNotPermitted", err)
	}
}

func TestEmulatorStopIsIdempotent(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	connectPeer(t, periph, "a", map[string][]byte{RowerDataUUID: enableNotify})
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.Status() != StatusStopped || e.PeerCount() != 0 {
		t.Errorf("after Stop: status %v, peers %d", e.Status(), e.PeerCount())
	}
	e.Update(fullMetrics())
}

func TestEmulatorIgnoresConnectionsAfterStop(t *testing.T) {
	e, periph := startEmulator(t, DefaultOptions())
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	connectPeer(t, periph, "late", nil)
	if e.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d after Stop, want 0", e.PeerCount())
	}

	if err := e.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	connectPeer(t, periph, "late", nil)
	if e.PeerCount() != 1 {
		t.Errorf("PeerCount() = %d after restart, want 1", e.PeerCount())
	}
}
