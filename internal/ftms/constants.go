// Package ftms emulates a Bluetooth Fitness Machine Service peripheral fed
// by rowing metrics, so unmodified fitness apps can pair with the bridge as
// if it were a certified rower or indoor bike.
package ftms

import (
	"fmt"
	"strings"
)

// Fitness Machine Service and its characteristics.
const (
	ServiceUUID        = "00001826-0000-1000-8000-00805f9b34fb"
	FeatureUUID        = "00002acc-0000-1000-8000-00805f9b34fb"
	RowerDataUUID      = "00002ad1-0000-1000-8000-00805f9b34fb"
	IndoorBikeDataUUID = "00002ad2-0000-1000-8000-00805f9b34fb"
	SpeedRangeUUID     = "00002ad4-0000-1000-8000-00805f9b34fb"
	PowerRangeUUID     = "00002ad8-0000-1000-8000-00805f9b34fb"
	ControlPointUUID   = "00002ad9-0000-1000-8000-00805f9b34fb"
	StatusUUID         = "00002ada-0000-1000-8000-00805f9b34fb"
)

// Device Information Service.
const (
	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	ManufacturerUUID      = "00002a29-0000-1000-8000-00805f9b34fb"
	ModelNumberUUID       = "00002a24-0000-1000-8000-00805f9b34fb"
	SerialNumberUUID      = "00002a25-0000-1000-8000-00805f9b34fb"
)

// OpCode is a Fitness Machine Control Point procedure.
type OpCode byte

const (
	OpRequestControl OpCode = 0x00
	OpReset          OpCode = 0x01
	OpSetTargetSpeed OpCode = 0x02
	OpSetTargetPower OpCode = 0x05
	OpStartOrResume  OpCode = 0x07
	OpStopOrPause    OpCode = 0x08

	OpResponseCode OpCode = 0x80
)

// ResultCode is the outcome carried in a control point response.
type ResultCode byte

const (
	ResultSuccess             ResultCode = 0x01
	ResultOpCodeNotSupported  ResultCode = 0x02
	ResultInvalidParameter    ResultCode = 0x03
	ResultOperationFailed     ResultCode = 0x04
	ResultControlNotPermitted ResultCode = 0x05
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultOpCodeNotSupported:
		return "op-code not supported"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultOperationFailed:
		return "operation failed"
	case ResultControlNotPermitted:
		return "control not permitted"
	default:
		return fmt.Sprintf("result(0x%02x)", byte(r))
	}
}

// Fitness Machine Status op-codes.
const (
	statusReset              byte = 0x01
	statusStoppedOrPaused    byte = 0x02
	statusStartedOrResumed   byte = 0x04
	statusTargetSpeedChanged byte = 0x05
	statusTargetPowerChanged byte = 0x08
)

// Stop/Pause control parameter values.
const (
	controlStop  byte = 0x01
	controlPause byte = 0x02
)

// Fitness Machine Feature bits (first 32-bit word).
const (
	featureCadence       uint32 = 1 << 1
	featureTotalDistance uint32 = 1 << 2
	featurePace          uint32 = 1 << 5
	featureResistance    uint32 = 1 << 7
	featureEnergy        uint32 = 1 << 9
	featureHeartRate     uint32 = 1 << 10
	featureElapsedTime   uint32 = 1 << 12
	featurePower         uint32 = 1 << 14
)

// Target Setting Feature bits (second 32-bit word).
const (
	targetSpeed uint32 = 1 << 0
	targetPower uint32 = 1 << 3

	// advertisedTargets is the target word of both profiles.
	advertisedTargets = targetSpeed | targetPower
)

// targetFeatures maps the FTMS target-setting procedures this package has no
// handler for to their Target Setting Feature bit.
var targetFeatures = map[OpCode]uint32{
	0x03: 1 << 1,  // inclination
	0x04: 1 << 2,  // resistance level
	0x06: 1 << 4,  // heart rate
	0x09: 1 << 5,  // expended energy
	0x0a: 1 << 6,  // number of steps
	0x0b: 1 << 7,  // number of strides
	0x0c: 1 << 8,  // distance
	0x0d: 1 << 9,  // training time
	0x0e: 1 << 10, // time in two heart rate zones
	0x0f: 1 << 11, // time in three heart rate zones
	0x10: 1 << 12, // time in five heart rate zones
	0x11: 1 << 13, // indoor bike simulation
	0x12: 1 << 14, // wheel circumference
	0x13: 1 << 15, // spin down control
	0x14: 1 << 16, // cadence
}

// MachineProfile selects which machine the emulator presents.
type MachineProfile int

const (
	Rower MachineProfile = iota
	Bike
)

func (p MachineProfile) String() string {
	switch p {
	case Rower:
		return "rower"
	case Bike:
		return "bike"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// ParseMachineProfile maps "rower" or "bike" to a MachineProfile.
func ParseMachineProfile(s string) (MachineProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rower", "":
		return Rower, nil
	case "bike":
		return Bike, nil
	default:
		return 0, fmt.Errorf("ftms: unknown machine %q (want rower or bike)", s)
	}
}

// DataUUID returns the data characteristic served for the profile.
func (p MachineProfile) DataUUID() string {
	if p == Bike {
		return IndoorBikeDataUUID
	}
	return RowerDataUUID
}

// machineType is the Fitness Machine Type field of the FTMS service data.
func (p MachineProfile) machineType() uint16 {
	if p == Bike {
		return 1 << 5
	}
	return 1 << 4
}
