package rower

import (
	"fmt"

	"github.com/chaz8081/rowbridge/internal/ble"
)

// Phase is the coarse position of the link in its lifecycle.
type Phase int

const (
	Idle Phase = iota
	Connecting
	ServiceDiscovery
	SubscribingNotifications
	SendingHandshake
	Streaming
	Disconnected
)

var phaseNames = [...]string{
	Idle:                     "Idle",
	Connecting:               "Connecting",
	ServiceDiscovery:         "ServiceDiscovery",
	SubscribingNotifications: "SubscribingNotifications",
	SendingHandshake:         "SendingHandshake",
	Streaming:                "Streaming",
	Disconnected:             "Disconnected",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// State is the connection state of a Link. Step is meaningful only in
// SendingHandshake and Reason only in Disconnected.
type State struct {
	Phase  Phase
	Step   int
	Reason string
}

func (s State) String() string {
	switch s.Phase {
	case SendingHandshake:
		return fmt.Sprintf("SendingHandshake(%d)", s.Step)
	case Disconnected:
		return fmt.Sprintf("Disconnected(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// active reports whether a run is in progress.
func (s State) active() bool {
	return s.Phase != Idle && s.Phase != Disconnected
}

type eventKind int

const (
	evStart eventKind = iota
	evConnected
	evServicesFound
	evSubscribed
	evWriteCompleted
	evHandshakeTick
	evKeepAliveTick
	evDataReceived
	evDisconnected
	evStopRequested
)

// event is posted to the link loop by driver goroutines and BLE callbacks.
// err is set on a failed connect, discovery, subscribe or write. reason
// explains a remote disconnect. handles carries the BLE objects produced by
// a successful connect or discovery; transition never looks at it.
type event struct {
	kind    eventKind
	err     error
	data    []byte
	reason  string
	handles *handles
}

type handles struct {
	conn          ble.Connection
	notify, write ble.Characteristic
}

type effectKind int

const (
	effConnect effectKind = iota
	effDiscover
	effSubscribe
	effWriteHandshake
	effScheduleTick
	effStartKeepAlive
	effWriteKeepAlive
	effStopTimers
	effEmit
	effDisconnect
	effLogWriteFailure
)

type effect struct {
	kind effectKind
	step int
	data []byte
	err  error
}

// transition is the whole link state machine. It never performs I/O; the
// returned effects are executed by the loop in order.
func transition(s State, ev event) (State, []effect) {
	switch ev.kind {
	case evStart:
		if s.active() {
			return s, nil
		}
		return State{Phase: Connecting}, []effect{{kind: effConnect}}

	case evStopRequested:
		if !s.active() {
			return s, nil
		}
		return State{Phase: Disconnected, Reason: "stopped"},
			[]effect{{kind: effStopTimers}, {kind: effDisconnect}}

	case evDisconnected:
		if !s.active() {
			return s, nil
		}
		reason := ev.reason
		if reason == "" {
			reason = "remote disconnect"
		}
		return State{Phase: Disconnected, Reason: reason}, []effect{{kind: effStopTimers}}

	case evWriteCompleted:
		if ev.err != nil {
			return s, []effect{{kind: effLogWriteFailure, step: s.Step, err: ev.err}}
		}
		return s, nil
	}

	switch s.Phase {
	case Connecting:
		if ev.kind != evConnected {
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: Disconnected, Reason: "connect failed: " + ev.err.Error()}, nil
		}
		return State{Phase: ServiceDiscovery}, []effect{{kind: effDiscover}}

	case ServiceDiscovery:
		if ev.kind != evServicesFound {
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: Disconnected, Reason: "service discovery failed: " + ev.err.Error()},
				[]effect{{kind: effDisconnect}}
		}
		return State{Phase: SubscribingNotifications}, []effect{{kind: effSubscribe}}

	case SubscribingNotifications:
		if ev.kind != evSubscribed {
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: Disconnected, Reason: "subscribe failed: " + ev.err.Error()},
				[]effect{{kind: effDisconnect}}
		}
		return State{Phase: SendingHandshake, Step: 0},
			[]effect{{kind: effWriteHandshake, step: 0}, {kind: effScheduleTick}}

	case SendingHandshake:
		if ev.kind != evHandshakeTick {
			return s, nil
		}
		next := s.Step + 1
		if next < HandshakeSteps {
			return State{Phase: SendingHandshake, Step: next},
				[]effect{{kind: effWriteHandshake, step: next}, {kind: effScheduleTick}}
		}
		return State{Phase: Streaming},
			[]effect{{kind: effWriteKeepAlive}, {kind: effStartKeepAlive}}

	case Streaming:
		switch ev.kind {
		case evDataReceived:
			return s, []effect{{kind: effEmit, data: ev.data}}
		case evKeepAliveTick:
			return s, []effect{{kind: effWriteKeepAlive}}
		}
	}
	return s, nil
}
