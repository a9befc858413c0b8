package ble

import "fmt"

// PeerID identifies a connected central (client) in the peripheral role.
type PeerID string

// CharFlags are the GATT properties of a locally served characteristic.
type CharFlags uint8

const (
	CharRead CharFlags = 1 << iota
	CharWrite
	CharNotify
	CharIndicate
)

// CharacteristicSpec describes one characteristic of a served service.
// Value is the static read value, if any.
type CharacteristicSpec struct {
	UUID  string
	Flags CharFlags
	Value []byte
}

// ServiceSpec describes a primary service to serve.
type ServiceSpec struct {
	UUID            string
	Characteristics []CharacteristicSpec
}

// ServiceData is one service-data AD structure.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement configures a connectable advertisement.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []string
	ServiceData  []ServiceData
}

// EventKind classifies inbound peripheral events.
type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
	DescriptorWrite
	CharacteristicWrite
)

func (k EventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case DescriptorWrite:
		return "descriptor-write"
	case CharacteristicWrite:
		return "characteristic-write"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a link-layer callback posted by a Peripheral. For DescriptorWrite
// the descriptor is always the CCCD of Char.
type Event struct {
	Kind  EventKind
	Peer  PeerID
	Char  string
	Value []byte
}

// EventHandler consumes peripheral events. Events are delivered one at a
// time. A non-nil error rejects a write at the ATT level.
type EventHandler func(Event) error

// Peripheral abstracts a local GATT server and advertiser.
type Peripheral interface {
	// Serve registers the services and starts delivering events to handler.
	Serve(services []ServiceSpec, handler EventHandler) error
	// Advertise starts a connectable advertisement.
	Advertise(adv Advertisement) error
	// StopAdvertising stops advertising. Safe to call when not advertising.
	StopAdvertising() error
	// Notify sends a notification of value on charUUID to peer.
	Notify(peer PeerID, charUUID string, value []byte) error
	// Indicate sends an indication and returns once it was confirmed.
	Indicate(peer PeerID, charUUID string, value []byte) error
	// Close stops advertising and releases the server.
	Close() error
}
