package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// CentralAdapter wraps tinygo-org/bluetooth in the central role.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses);
// the "MAC" field in config and Device structs stores that UUID string.
type CentralAdapter struct {
	radio *Radio

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*centralConnection // keyed by device address
}

// NewCentralAdapter creates a central-role adapter on the given radio.
func NewCentralAdapter(radio *Radio) *CentralAdapter {
	a := &CentralAdapter{
		radio:       radio,
		connections: make(map[string]*centralConnection),
	}
	radio.onCentralChange(a.connectionChanged)
	return a
}

func (a *CentralAdapter) Enable() error {
	return a.radio.Enable()
}

// connectionChanged fires the OnDisconnect callback of a tracked connection
// when its peripheral drops.
func (a *CentralAdapter) connectionChanged(addr string, connected bool) {
	if connected {
		return
	}
	a.mu.Lock()
	conn, ok := a.connections[addr]
	if ok {
		delete(a.connections, addr)
	}
	a.mu.Unlock()
	if ok {
		conn.fireDisconnect()
	}
}

func (a *CentralAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.radio.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.radio.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *CentralAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	a.radio.claimCentral(addr.String())
	go func() {
		device, err := a.radio.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed. We
		// can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &centralConnection{device: &result.device}

		a.mu.Lock()
		a.connections[addr.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that CentralAdapter implements Adapter.
var _ Adapter = (*CentralAdapter)(nil)

type centralConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *centralConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	// An empty service UUID searches every service on the device.
	var filter []bluetooth.UUID
	if serviceUUID != "" {
		svcUUID, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, err
		}
		filter = []bluetooth.UUID{svcUUID}
	}

	svcs, err := c.device.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
		if err != nil || len(chars) == 0 {
			continue
		}
		return &centralCharacteristic{char: &chars[0]}, nil
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

func (c *centralConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *centralConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *centralConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type centralCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *centralCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *centralCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
