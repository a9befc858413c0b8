// Package ble is the radio layer of the bridge. It defines the central-role
// interfaces used to talk to the rowing ergometer, the peripheral-role
// interfaces used to emulate a fitness machine, and tinygo-org/bluetooth
// implementations of both that share a single Radio.
package ble

import "context"

// CCCDUUID is the Client Characteristic Configuration Descriptor.
const CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

// Characteristic represents a BLE GATT characteristic on a remote device.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications and registers a callback for them.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter in the central role.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
