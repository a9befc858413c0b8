package ftms

import (
	"encoding/binary"
	"errors"
)

// ATT-level rejections of control point writes.
var (
	// ErrProcedureInProgress is returned while a previous response has not
	// been confirmed (ATT 0xFE).
	ErrProcedureInProgress = errors.New("ftms: control point procedure already in progress")
	// ErrCCCDImproperlyConfigured is returned when the writer has not enabled
	// indications on the control point (ATT 0xFD).
	ErrCCCDImproperlyConfigured = errors.New("ftms: control point indications not enabled")
	// ErrEmptyCommand is returned for a zero-length write.
	ErrEmptyCommand = errors.New("ftms: empty control point write")
)

// ControlPointState tracks the single outstanding control point procedure.
type ControlPointState int

const (
	ControlIdle ControlPointState = iota
	AwaitingIndicationAck
)

// machineState is what the control point procedures change. The ergometer
// is not remotely controllable, so nothing here reaches the hardware.
type machineState struct {
	controlled  bool
	running     bool
	targetSpeed int // 0.01 km/h
	targetPower int // W
}

// commandResult is the outcome of one control point write.
type commandResult struct {
	response []byte // indication on the control point
	status   []byte // notification on the status characteristic, if any
}

// handleCommand runs one control point procedure against st.
func handleCommand(st *machineState, data []byte) commandResult {
	op := OpCode(data[0])
	params := data[1:]
	respond := func(rc ResultCode) []byte {
		return []byte{byte(OpResponseCode), byte(op), byte(rc)}
	}

	switch op {
	case OpRequestControl:
		st.controlled = true
		return commandResult{response: respond(ResultSuccess)}

	case OpReset:
		*st = machineState{controlled: st.controlled}
		return commandResult{response: respond(ResultSuccess), status: []byte{statusReset}}

	case OpSetTargetSpeed:
		if len(params) < 2 {
			return commandResult{response: respond(ResultInvalidParameter)}
		}
		st.targetSpeed = int(binary.LittleEndian.Uint16(params))
		return commandResult{
			response: respond(ResultSuccess),
			status:   []byte{statusTargetSpeedChanged, params[0], params[1]},
		}

	case OpSetTargetPower:
		if len(params) < 2 {
			return commandResult{response: respond(ResultInvalidParameter)}
		}
		st.targetPower = int(int16(binary.LittleEndian.Uint16(params)))
		return commandResult{
			response: respond(ResultSuccess),
			status:   []byte{statusTargetPowerChanged, params[0], params[1]},
		}

	case OpStartOrResume:
		st.running = true
		return commandResult{response: respond(ResultSuccess), status: []byte{statusStartedOrResumed}}

	case OpStopOrPause:
		if len(params) < 1 || (params[0] != controlStop && params[0] != controlPause) {
			return commandResult{response: respond(ResultInvalidParameter)}
		}
		st.running = false
		return commandResult{
			response: respond(ResultSuccess),
			status:   []byte{statusStoppedOrPaused, params[0]},
		}
	}

	// A target procedure without a handler is accepted only when its feature
	// is advertised; the machine ignores it.
	if bit, ok := targetFeatures[op]; ok && advertisedTargets&bit != 0 {
		return commandResult{response: respond(ResultSuccess)}
	}
	return commandResult{response: respond(ResultOpCodeNotSupported)}
}
