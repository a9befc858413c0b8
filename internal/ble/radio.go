package ble

import (
	"sync"

	"tinygo.org/x/bluetooth"
)

// Radio is the connection context shared by the central and peripheral
// roles. tinygo-org/bluetooth exposes one adapter with a single connect
// handler, so the Radio enables it once and routes connection changes to the
// role that owns the remote address.
type Radio struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu                 sync.Mutex
	centrals           map[string]bool // addresses dialled by the central role
	centralHandlers    []func(addr string, connected bool)
	peripheralHandlers []func(addr string, connected bool)
}

// NewRadio creates a Radio over the default system adapter.
func NewRadio() *Radio {
	return &Radio{
		adapter:  bluetooth.DefaultAdapter,
		centrals: make(map[string]bool),
	}
}

// Enable powers on the adapter. Subsequent calls return the first result.
func (r *Radio) Enable() error {
	r.enableOnce.Do(func() {
		r.enableErr = r.adapter.Enable()
		if r.enableErr == nil {
			r.adapter.SetConnectHandler(r.dispatch)
		}
	})
	return r.enableErr
}

// claimCentral marks addr as a device dialled by the central role.
func (r *Radio) claimCentral(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.centrals[addr] = true
}

func (r *Radio) onCentralChange(fn func(addr string, connected bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.centralHandlers = append(r.centralHandlers, fn)
}

func (r *Radio) onPeripheralChange(fn func(addr string, connected bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripheralHandlers = append(r.peripheralHandlers, fn)
}

func (r *Radio) dispatch(device bluetooth.Device, connected bool) {
	r.route(device.Address.String(), connected)
}

// route delivers a connection change to the central handlers when addr was
// claimed by the central role, and to the peripheral handlers otherwise.
func (r *Radio) route(addr string, connected bool) {
	r.mu.Lock()
	var handlers []func(string, bool)
	if r.centrals[addr] {
		handlers = append(handlers, r.centralHandlers...)
	} else {
		handlers = append(handlers, r.peripheralHandlers...)
	}
	if !connected {
		delete(r.centrals, addr)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(addr, connected)
	}
}
