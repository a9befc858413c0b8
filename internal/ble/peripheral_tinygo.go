package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HostPeer is the single peer identity reported by TinyGoPeripheral.
// The host stack (BlueZ, CoreBluetooth) owns CCCD state and fans each
// characteristic write out to every subscribed central, so the peripheral
// presents all connected centrals as one aggregated peer that is subscribed
// to every notifiable characteristic.
const HostPeer PeerID = "host"

// TinyGoPeripheral implements Peripheral with tinygo-org/bluetooth.
type TinyGoPeripheral struct {
	radio *Radio

	mu         sync.Mutex
	handler    EventHandler
	chars      map[string]*bluetooth.Characteristic
	notifiable []string
	centrals   map[string]bool
	adv        *bluetooth.Advertisement
	advertised bool
}

// NewTinyGoPeripheral creates a GATT server on the given radio.
func NewTinyGoPeripheral(radio *Radio) *TinyGoPeripheral {
	p := &TinyGoPeripheral{
		radio:    radio,
		chars:    make(map[string]*bluetooth.Characteristic),
		centrals: make(map[string]bool),
	}
	radio.onPeripheralChange(p.connectionChanged)
	return p
}

// Compile-time check that TinyGoPeripheral implements Peripheral.
var _ Peripheral = (*TinyGoPeripheral)(nil)

func (p *TinyGoPeripheral) Serve(services []ServiceSpec, handler EventHandler) error {
	if err := p.radio.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()

	for _, svc := range services {
		svcUUID, err := bluetooth.ParseUUID(svc.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID %s: %w", svc.UUID, err)
		}
		configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
		for _, spec := range svc.Characteristics {
			charUUID, err := bluetooth.ParseUUID(spec.UUID)
			if err != nil {
				return fmt.Errorf("ble: parse characteristic UUID %s: %w", spec.UUID, err)
			}
			handle := new(bluetooth.Characteristic)
			cfg := bluetooth.CharacteristicConfig{
				Handle: handle,
				UUID:   charUUID,
				Value:  spec.Value,
				Flags:  permissions(spec.Flags),
			}
			if spec.Flags&CharWrite != 0 {
				uuid := spec.UUID
				cfg.WriteEvent = func(_ bluetooth.Connection, _ int, value []byte) {
					data := make([]byte, len(value))
					copy(data, value)
					if err := p.deliver(Event{Kind: CharacteristicWrite, Peer: HostPeer, Char: uuid, Value: data}); err != nil {
						slog.Warn("[BLE] write rejected", "char", uuid, "error", err)
					}
				}
			}
			configs = append(configs, cfg)

			p.mu.Lock()
			p.chars[spec.UUID] = handle
			if spec.Flags&(CharNotify|CharIndicate) != 0 {
				p.notifiable = append(p.notifiable, spec.UUID)
			}
			p.mu.Unlock()
		}

		if err := p.radio.adapter.AddService(&bluetooth.Service{
			UUID:            svcUUID,
			Characteristics: configs,
		}); err != nil {
			return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
		}
	}
	return nil
}

func permissions(flags CharFlags) bluetooth.CharacteristicPermissions {
	var perms bluetooth.CharacteristicPermissions
	if flags&CharRead != 0 {
		perms |= bluetooth.CharacteristicReadPermission
	}
	if flags&CharWrite != 0 {
		perms |= bluetooth.CharacteristicWritePermission
	}
	if flags&CharNotify != 0 {
		perms |= bluetooth.CharacteristicNotifyPermission
	}
	if flags&CharIndicate != 0 {
		perms |= bluetooth.CharacteristicIndicatePermission
	}
	return perms
}

func (p *TinyGoPeripheral) deliver(ev Event) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ev)
}

// connectionChanged maps host-level centrals onto the aggregated HostPeer:
// the first central connects it, the last one disconnects it.
func (p *TinyGoPeripheral) connectionChanged(addr string, connected bool) {
	p.mu.Lock()
	before := len(p.centrals)
	if connected {
		p.centrals[addr] = true
	} else {
		delete(p.centrals, addr)
	}
	after := len(p.centrals)
	notifiable := append([]string(nil), p.notifiable...)
	p.mu.Unlock()

	switch {
	case before == 0 && after > 0:
		_ = p.deliver(Event{Kind: PeerConnected, Peer: HostPeer})
		for _, uuid := range notifiable {
			_ = p.deliver(Event{Kind: DescriptorWrite, Peer: HostPeer, Char: uuid, Value: []byte{0x03, 0x00}})
		}
	case before > 0 && after == 0:
		_ = p.deliver(Event{Kind: PeerDisconnected, Peer: HostPeer})
	}
}

func (p *TinyGoPeripheral) Advertise(adv Advertisement) error {
	if err := p.radio.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	opts := bluetooth.AdvertisementOptions{LocalName: adv.LocalName}
	for _, s := range adv.ServiceUUIDs {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID %s: %w", s, err)
		}
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, uuid)
	}
	for _, sd := range adv.ServiceData {
		uuid, err := bluetooth.ParseUUID(sd.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse service data UUID %s: %w", sd.UUID, err)
		}
		opts.ServiceData = append(opts.ServiceData, bluetooth.ServiceDataElement{UUID: uuid, Data: sd.Data})
	}

	a := p.radio.adapter.DefaultAdvertisement()
	if err := a.Configure(opts); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}

	p.mu.Lock()
	p.adv = a
	p.advertised = true
	p.mu.Unlock()
	return nil
}

func (p *TinyGoPeripheral) StopAdvertising() error {
	p.mu.Lock()
	a, active := p.adv, p.advertised
	p.advertised = false
	p.mu.Unlock()
	if !active || a == nil {
		return nil
	}
	return a.Stop()
}

func (p *TinyGoPeripheral) write(charUUID string, value []byte) error {
	p.mu.Lock()
	handle, ok := p.chars[charUUID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not served", charUUID)
	}
	_, err := handle.Write(value)
	return err
}

func (p *TinyGoPeripheral) Notify(_ PeerID, charUUID string, value []byte) error {
	return p.write(charUUID, value)
}

// Indicate writes the value; the host stack sends it as an indication
// because the characteristic carries only the indicate property.
func (p *TinyGoPeripheral) Indicate(_ PeerID, charUUID string, value []byte) error {
	return p.write(charUUID, value)
}

func (p *TinyGoPeripheral) Close() error {
	err := p.StopAdvertising()
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return err
}
