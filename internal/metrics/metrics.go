// Package metrics defines the canonical rowing stroke snapshot shared by
// every sink in the bridge: the FTMS emulator, the telemetry fan-out and the
// FIT activity recorder.
package metrics

import (
	"encoding/json"
	"strconv"
	"time"
)

// Value is an optional integer reading. The zero Value is absent.
type Value struct {
	v  int
	ok bool
}

// Some returns a present Value holding v.
func Some(v int) Value {
	return Value{v: v, ok: true}
}

// Get returns the reading and whether it is present.
func (o Value) Get() (int, bool) {
	return o.v, o.ok
}

// Valid reports whether the reading is present.
func (o Value) Valid() bool {
	return o.ok
}

// Or returns the reading, or def when absent.
func (o Value) Or(def int) int {
	if !o.ok {
		return def
	}
	return o.v
}

// String formats the reading, or "-" when absent.
func (o Value) String() string {
	if !o.ok {
		return "-"
	}
	return strconv.Itoa(o.v)
}

func (o Value) ptr() *int {
	if !o.ok {
		return nil
	}
	v := o.v
	return &v
}

func valueOf(p *int) Value {
	if p == nil {
		return Value{}
	}
	return Some(*p)
}

// RowingMetrics is one decoded ergometer frame. It is a value type: copies
// are independent and nothing in the bridge mutates a snapshot once built.
type RowingMetrics struct {
	RawHex      string
	TimestampMs int64

	ElapsedSeconds Value
	StrokeCount    Value
	StrokeRate     Value // strokes per minute
	DistanceMeters Value
	Calories       Value
	HeartRateBpm   Value
	PowerWatts     Value
	GearLevel      Value
}

// Time returns the capture time of the frame.
func (m RowingMetrics) Time() time.Time {
	return time.UnixMilli(m.TimestampMs)
}

// Decoded reports whether any optional field is present. Frames that could
// not be parsed carry only RawHex and TimestampMs.
func (m RowingMetrics) Decoded() bool {
	return m.ElapsedSeconds.ok || m.StrokeCount.ok || m.StrokeRate.ok ||
		m.DistanceMeters.ok || m.Calories.ok || m.HeartRateBpm.ok ||
		m.PowerWatts.ok || m.GearLevel.ok
}

// wireMetrics is the serialized shape of RowingMetrics. Absent readings are
// omitted rather than written as zero.
type wireMetrics struct {
	RawHex         string `json:"rawHex" cbor:"rawHex"`
	TimestampMs    int64  `json:"timestampMs" cbor:"timestampMs"`
	ElapsedSeconds *int   `json:"elapsedSeconds,omitempty" cbor:"elapsedSeconds,omitempty"`
	StrokeCount    *int   `json:"strokeCount,omitempty" cbor:"strokeCount,omitempty"`
	StrokeRate     *int   `json:"strokeRate,omitempty" cbor:"strokeRate,omitempty"`
	DistanceMeters *int   `json:"distanceMeters,omitempty" cbor:"distanceMeters,omitempty"`
	Calories       *int   `json:"calories,omitempty" cbor:"calories,omitempty"`
	HeartRateBpm   *int   `json:"heartRateBpm,omitempty" cbor:"heartRateBpm,omitempty"`
	PowerWatts     *int   `json:"powerWatts,omitempty" cbor:"powerWatts,omitempty"`
	GearLevel      *int   `json:"gearLevel,omitempty" cbor:"gearLevel,omitempty"`
}

func (m RowingMetrics) wire() wireMetrics {
	return wireMetrics{
		RawHex:         m.RawHex,
		TimestampMs:    m.TimestampMs,
		ElapsedSeconds: m.ElapsedSeconds.ptr(),
		StrokeCount:    m.StrokeCount.ptr(),
		StrokeRate:     m.StrokeRate.ptr(),
		DistanceMeters: m.DistanceMeters.ptr(),
		Calories:       m.Calories.ptr(),
		HeartRateBpm:   m.HeartRateBpm.ptr(),
		PowerWatts:     m.PowerWatts.ptr(),
		GearLevel:      m.GearLevel.ptr(),
	}
}

func fromWire(w wireMetrics) RowingMetrics {
	return RowingMetrics{
		RawHex:         w.RawHex,
		TimestampMs:    w.TimestampMs,
		ElapsedSeconds: valueOf(w.ElapsedSeconds),
		StrokeCount:    valueOf(w.StrokeCount),
		StrokeRate:     valueOf(w.StrokeRate),
		DistanceMeters: valueOf(w.DistanceMeters),
		Calories:       valueOf(w.Calories),
		HeartRateBpm:   valueOf(w.HeartRateBpm),
		PowerWatts:     valueOf(w.PowerWatts),
		GearLevel:      valueOf(w.GearLevel),
	}
}

// MarshalJSON implements json.Marshaler.
func (m RowingMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.wire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *RowingMetrics) UnmarshalJSON(data []byte) error {
	var w wireMetrics
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = fromWire(w)
	return nil
}
