package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/rowbridge/internal/ble"
	"github.com/chaz8081/rowbridge/internal/metrics"
)

// ErrUnknownPeer is returned for descriptor or characteristic writes from a
// peer that never connected.
var ErrUnknownPeer = errors.New("ftms: unknown peer")

// ErrWriteNotPermitted is returned for writes to read-only characteristics.
var ErrWriteNotPermitted = errors.New("ftms: write not permitted")

// Status is the externally visible state of the emulator.
type Status int

const (
	StatusStopped Status = iota
	StatusAdvertising
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusAdvertising:
		return "advertising"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Options configures the emulated machine.
type Options struct {
	Profile      MachineProfile
	DeviceName   string
	Manufacturer string
	Model        string
	Serial       string
	Bike         BikeMapping
	QueueSize    int // outbound notifications buffered per peer
}

// DefaultOptions returns a rower named after the ergometer.
func DefaultOptions() Options {
	return Options{
		Profile:      Rower,
		DeviceName:   "R50 Rower",
		Manufacturer: "R50 Connector",
		Serial:       "R50-001",
		Bike:         DefaultBikeMapping(),
		QueueSize:    16,
	}
}

// cccd holds the Client Characteristic Configuration of one characteristic
// for one peer.
type cccd struct {
	notify   bool
	indicate bool
}

// peer is a connected GATT client. Its worker goroutine is the only sender
// towards it, so at most one notify or indicate is in flight per peer.
type peer struct {
	id    ble.PeerID
	cccds map[string]cccd
	queue chan outbound
}

type outbound struct {
	char     string
	value    []byte
	indicate bool
	done     func(error)
}

// Emulator serves the Fitness Machine Service over a ble.Peripheral.
type Emulator struct {
	periph ble.Peripheral
	opts   Options

	mu      sync.Mutex
	status  Status
	served  bool
	peers   map[ble.PeerID]*peer
	machine machineState
	cpState ControlPointState
	cpOwner ble.PeerID
	workers sync.WaitGroup
}

// NewEmulator creates a stopped emulator on periph.
func NewEmulator(periph ble.Peripheral, opts Options) *Emulator {
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.Manufacturer == "" {
		opts.Manufacturer = def.Manufacturer
	}
	if opts.Serial == "" {
		opts.Serial = def.Serial
	}
	if opts.Model == "" {
		opts.Model = modelName(opts.Profile)
	}
	if opts.Bike.SpeedPerSPM <= 0 {
		opts.Bike.SpeedPerSPM = def.Bike.SpeedPerSPM
	}
	if opts.Bike.CadenceRatio <= 0 {
		opts.Bike.CadenceRatio = def.Bike.CadenceRatio
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Emulator{
		periph: periph,
		opts:   opts,
		peers:  make(map[ble.PeerID]*peer),
	}
}

func modelName(p MachineProfile) string {
	if p == Bike {
		return "R50 Indoor Bike"
	}
	return "R50 Rowing Machine"
}

// Services returns the GATT database the emulator serves.
func (e *Emulator) Services() []ble.ServiceSpec {
	return []ble.ServiceSpec{
		{
			UUID: ServiceUUID,
			Characteristics: []ble.CharacteristicSpec{
				{UUID: FeatureUUID, Flags: ble.CharRead, Value: Features(e.opts.Profile)},
				{UUID: e.opts.Profile.DataUUID(), Flags: ble.CharNotify},
				{UUID: ControlPointUUID, Flags: ble.CharWrite | ble.CharIndicate},
				{UUID: StatusUUID, Flags: ble.CharNotify},
				{UUID: SpeedRangeUUID, Flags: ble.CharRead, Value: SpeedRange()},
				{UUID: PowerRangeUUID, Flags: ble.CharRead, Value: PowerRange()},
			},
		},
		{
			UUID: DeviceInfoServiceUUID,
			Characteristics: []ble.CharacteristicSpec{
				{UUID: ManufacturerUUID, Flags: ble.CharRead, Value: []byte(e.opts.Manufacturer)},
				{UUID: ModelNumberUUID, Flags: ble.CharRead, Value: []byte(e.opts.Model)},
				{UUID: SerialNumberUUID, Flags: ble.CharRead, Value: []byte(e.opts.Serial)},
			},
		},
	}
}

// Advertisement returns the connectable advertisement: the FTMS UUID, the
// device name and FTMS service data (machine available + machine type).
func (e *Emulator) Advertisement() ble.Advertisement {
	data := make([]byte, 3)
	data[0] = 0x01
	binary.LittleEndian.PutUint16(data[1:], e.opts.Profile.machineType())
	return ble.Advertisement{
		LocalName:    e.opts.DeviceName,
		ServiceUUIDs: []string{ServiceUUID},
		ServiceData:  []ble.ServiceData{{UUID: ServiceUUID, Data: data}},
	}
}

// Start serves the GATT database and starts advertising. On failure the
// status becomes StatusError and the error is returned; nothing retries.
func (e *Emulator) Start() error {
	e.mu.Lock()
	if e.status == StatusAdvertising {
		e.mu.Unlock()
		return nil
	}
	served := e.served
	e.mu.Unlock()

	if !served {
		if err := e.periph.Serve(e.Services(), e.handleEvent); err != nil {
			e.setStatus(StatusError)
			return fmt.Errorf("ftms: serve: %w", err)
		}
		e.mu.Lock()
		e.served = true
		e.mu.Unlock()
	}
	if err := e.periph.Advertise(e.Advertisement()); err != nil {
		e.setStatus(StatusError)
		return fmt.Errorf("ftms: advertise: %w", err)
	}
	e.setStatus(StatusAdvertising)
	slog.Info("[FTMS] advertising", "name", e.opts.DeviceName, "machine", e.opts.Profile)
	return nil
}

// Stop stops advertising, drops every peer and waits for their workers.
// It is safe to call more than once.
func (e *Emulator) Stop() error {
	err := e.periph.StopAdvertising()

	e.mu.Lock()
	for id, p := range e.peers {
		close(p.queue)
		delete(e.peers, id)
	}
	e.cpState = ControlIdle
	e.status = StatusStopped
	e.mu.Unlock()

	e.workers.Wait()
	if err != nil {
		return fmt.Errorf("ftms: stop advertising: %w", err)
	}
	return nil
}

// Status returns the emulator status.
func (e *Emulator) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Emulator) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// PeerCount returns the number of connected peers.
func (e *Emulator) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// Update encodes m for the data characteristic and notifies every peer that
// enabled notifications on it. With no subscribed peer nothing is sent.
func (e *Emulator) Update(m metrics.RowingMetrics) {
	if !m.Decoded() {
		return
	}
	value := Encode(e.opts.Profile, m, e.opts.Bike)
	e.broadcast(e.opts.Profile.DataUUID(), value)
}

// broadcast queues a notification of value to every peer subscribed to char.
func (e *Emulator) broadcast(char string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.peers {
		if !p.cccds[char].notify {
			continue
		}
		e.enqueue(p, outbound{char: char, value: value})
	}
}

// enqueue hands msg to p's worker. Callers hold e.mu, which also guards
// against sending on a queue closed by disconnect.
func (e *Emulator) enqueue(p *peer, msg outbound) bool {
	select {
	case p.queue <- msg:
		return true
	default:
		slog.Debug("[FTMS] peer queue full, dropping", "peer", p.id, "char", msg.char)
		return false
	}
}

func (e *Emulator) worker(p *peer) {
	defer e.workers.Done()
	for msg := range p.queue {
		var err error
		if msg.indicate {
			err = e.periph.Indicate(p.id, msg.char, msg.value)
		} else {
			err = e.periph.Notify(p.id, msg.char, msg.value)
		}
		if err != nil {
			slog.Warn("[FTMS] send failed", "peer", p.id, "char", msg.char, "error", err)
		}
		if msg.done != nil {
			msg.done(err)
		}
	}
}

// handleEvent is the Peripheral callback. Events arrive one at a time.
func (e *Emulator) handleEvent(ev ble.Event) error {
	switch ev.Kind {
	case ble.PeerConnected:
		e.connect(ev.Peer)
		return nil
	case ble.PeerDisconnected:
		e.disconnect(ev.Peer)
		return nil
	case ble.DescriptorWrite:
		return e.writeCCCD(ev.Peer, ev.Char, ev.Value)
	case ble.CharacteristicWrite:
		if ev.Char != ControlPointUUID {
			return ErrWriteNotPermitted
		}
		return e.controlPoint(ev.Peer, ev.Value)
	}
	return nil
}

func (e *Emulator) connect(id ble.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusAdvertising {
		slog.Debug("[FTMS] connection while not advertising ignored", "peer", id, "status", e.status)
		return
	}
	if _, ok := e.peers[id]; ok {
		return
	}
	p := &peer{
		id:    id,
		cccds: make(map[string]cccd),
		queue: make(chan outbound, e.opts.QueueSize),
	}
	e.peers[id] = p
	e.workers.Add(1)
	go e.worker(p)
	slog.Info("[FTMS] peer connected", "peer", id, "peers", len(e.peers))
}

func (e *Emulator) disconnect(id ble.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return
	}
	delete(e.peers, id)
	close(p.queue)
	if e.cpOwner == id {
		e.cpState = ControlIdle
	}
	slog.Info("[FTMS] peer disconnected", "peer", id, "peers", len(e.peers))
}

func (e *Emulator) writeCCCD(id ble.PeerID, char string, value []byte) error {
	var bits uint16
	if len(value) >= 2 {
		bits = binary.LittleEndian.Uint16(value)
	} else if len(value) == 1 {
		bits = uint16(value[0])
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	p.cccds[char] = cccd{notify: bits&0x0001 != 0, indicate: bits&0x0002 != 0}
	slog.Debug("[FTMS] CCCD", "peer", id, "char", char, "value", bits)
	return nil
}

// controlPoint runs a control point procedure. The response is indicated
// to the writer; state changes are notified to every status subscriber.
func (e *Emulator) controlPoint(id ble.PeerID, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyCommand
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	if !p.cccds[ControlPointUUID].indicate {
		return ErrCCCDImproperlyConfigured
	}
	if e.cpState == AwaitingIndicationAck {
		return ErrProcedureInProgress
	}

	result := handleCommand(&e.machine, data)
	slog.Info("[FTMS] control point", "peer", id, "op", fmt.Sprintf("0x%02x", data[0]),
		"result", ResultCode(result.response[2]))

	e.cpState = AwaitingIndicationAck
	e.cpOwner = id
	queued := e.enqueue(p, outbound{
		char:     ControlPointUUID,
		value:    result.response,
		indicate: true,
		done:     func(error) { e.indicationConfirmed(id) },
	})
	if !queued {
		e.cpState = ControlIdle
	}

	if result.status != nil {
		for _, sub := range e.peers {
			if sub.cccds[StatusUUID].notify {
				e.enqueue(sub, outbound{char: StatusUUID, value: result.status})
			}
		}
	}
	return nil
}

// indicationConfirmed releases the control point once the response to id
// was delivered or failed.
func (e *Emulator) indicationConfirmed(id ble.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cpOwner == id {
		e.cpState = ControlIdle
	}
}

// ControlPoint returns the control point procedure state.
func (e *Emulator) ControlPoint() ControlPointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cpState
}
