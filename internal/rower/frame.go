// Package rower talks to the R50 rowing ergometer over its vendor BLE
// service: it decodes the 23-byte metric frames and drives the connection
// through the handshake into streaming.
package rower

import (
	"encoding/hex"
	"time"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

// Vendor GATT identifiers of the ergometer.
const (
	ServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	NotifyUUID  = "0000fff1-0000-1000-8000-00805f9b34fb" // metric frames
	WriteUUID   = "0000fff2-0000-1000-8000-00805f9b34fb" // handshake and keep-alive
)

// FrameSize is the length of a full metric frame.
const FrameSize = 23

var handshakePayloads = [][]byte{
	{0xf0, 0xa5, 0x44, 0x01, 0x04, 0xde},
	{0xf0, 0xa0, 0x44, 0x01, 0xd5},
	{0xf0, 0xa0, 0x01, 0xe8, 0x79},
	{0xf0, 0xa5, 0x01, 0xe8, 0x02, 0x80},
}

var keepAlivePayload = []byte{0xf0, 0xa2, 0x01, 0xe8, 0x7b}

// HandshakeSteps is the number of initialization payloads.
const HandshakeSteps = 4

// HandshakePayload returns a copy of initialization payload i, or false when
// i is out of range.
func HandshakePayload(i int) ([]byte, bool) {
	if i < 0 || i >= len(handshakePayloads) {
		return nil, false
	}
	return clone(handshakePayloads[i]), true
}

// KeepAlivePayload returns a copy of the repeating keep-alive payload.
func KeepAlivePayload() []byte {
	return clone(keepAlivePayload)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Decode parses one notification from the metric characteristic. Every value
// byte on the wire is biased by one; counters are split base-99 over two
// bytes and elapsed time is minutes:seconds. Frames of any other length are
// kept as raw hex only.
func Decode(b []byte, now time.Time) metrics.RowingMetrics {
	m := metrics.RowingMetrics{
		RawHex:      hex.EncodeToString(b),
		TimestampMs: now.UnixMilli(),
	}
	if len(b) != FrameSize {
		return m
	}

	pair := func(hi, lo int) metrics.Value {
		return metrics.Some((int(b[hi])-1)*99 + (int(b[lo]) - 1))
	}

	m.ElapsedSeconds = metrics.Some((int(b[4])-1)*60 + (int(b[5]) - 1))
	m.StrokeCount = pair(6, 7)
	m.StrokeRate = pair(8, 9)
	m.DistanceMeters = pair(10, 11)
	m.Calories = pair(12, 13)
	m.HeartRateBpm = pair(14, 15)
	m.PowerWatts = pair(16, 17)
	m.GearLevel = metrics.Some(int(b[20]) - 1)
	return m
}
