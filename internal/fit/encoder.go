package fit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

const (
	headerSize      = 14
	protocolVersion = 0x10 // 1.0
	profileVersion  = 2132 // 21.32

	// Seconds between the Unix epoch and the FIT epoch (1989-12-31T00:00:00Z).
	fitEpochOffset = 631065600
)

// Global message numbers.
const (
	mesgFileID      uint16 = 0
	mesgSession     uint16 = 18
	mesgRecord      uint16 = 20
	mesgActivity    uint16 = 34
	mesgFileCreator uint16 = 49
)

// Enum values from the FIT profile.
const (
	fileTypeActivity        = 4
	manufacturerDevelopment = 255
	eventSession            = 8
	eventActivity           = 26
	eventTypeStop           = 1
	activityTypeManual      = 0

	sportCycling         = 2
	sportRowing          = 15
	subSportIndoorCycle  = 6
	subSportIndoorRowing = 14
)

// baseType is a FIT base type with its wire size and invalid sentinel.
type baseType struct {
	id      byte
	size    int
	invalid uint32
	max     int64
	min     int64
}

var (
	typeEnum    = baseType{id: 0x00, size: 1, invalid: 0xFF, max: 0xFE}
	typeUint8   = baseType{id: 0x02, size: 1, invalid: 0xFF, max: 0xFE}
	typeUint16  = baseType{id: 0x84, size: 2, invalid: 0xFFFF, max: 0xFFFE}
	typeUint32  = baseType{id: 0x86, size: 4, invalid: 0xFFFFFFFF, max: 0xFFFFFFFE}
	typeUint32z = baseType{id: 0x8C, size: 4, invalid: 0, max: 0xFFFFFFFF, min: 1}
)

type fieldDef struct {
	num byte
	typ baseType
}

// messageDef pairs a local message type with the fields it carries.
type messageDef struct {
	local  byte
	global uint16
	fields []fieldDef
}

var (
	fileIDDef = messageDef{local: 0, global: mesgFileID, fields: []fieldDef{
		{0, typeEnum},    // type
		{1, typeUint16},  // manufacturer
		{2, typeUint16},  // product
		{3, typeUint32z}, // serial_number
		{4, typeUint32},  // time_created
	}}
	fileCreatorDef = messageDef{local: 1, global: mesgFileCreator, fields: []fieldDef{
		{0, typeUint16}, // software_version
		{1, typeUint8},  // hardware_version
	}}
	recordDef = messageDef{local: 2, global: mesgRecord, fields: []fieldDef{
		{253, typeUint32}, // timestamp
		{5, typeUint32},   // distance, cm
		{7, typeUint16},   // power
		{3, typeUint8},    // heart_rate
		{4, typeUint8},    // cadence (stroke rate)
	}}
	sessionDef = messageDef{local: 3, global: mesgSession, fields: []fieldDef{
		{253, typeUint32}, // timestamp
		{2, typeUint32},   // start_time
		{7, typeUint32},   // total_elapsed_time, ms
		{8, typeUint32},   // total_timer_time, ms
		{9, typeUint32},   // total_distance, cm
		{10, typeUint32},  // total_cycles (strokes)
		{11, typeUint16},  // total_calories
		{20, typeUint16},  // avg_power
		{21, typeUint16},  // max_power
		{5, typeEnum},     // sport
		{6, typeEnum},     // sub_sport
		{0, typeEnum},     // event
		{1, typeEnum},     // event_type
	}}
	activityDef = messageDef{local: 4, global: mesgActivity, fields: []fieldDef{
		{253, typeUint32}, // timestamp
		{0, typeUint32},   // total_timer_time, ms
		{1, typeUint16},   // num_sessions
		{2, typeEnum},     // type
		{3, typeEnum},     // event
		{4, typeEnum},     // event_type
	}}
)

// Creator identifies the producing software in File-Id and File-Creator.
type Creator struct {
	Product         uint16
	SerialNumber    uint32
	SoftwareVersion uint16 // version * 100
	HardwareVersion uint8
}

// DefaultCreator is used by Encode.
var DefaultCreator = Creator{Product: 1, SerialNumber: 12345, SoftwareVersion: 100, HardwareVersion: 1}

// field is one value of a data message; absent values are written as the
// base type's invalid sentinel.
type field struct {
	v  int64
	ok bool
}

func some(v int64) field { return field{v: v, ok: true} }

func opt(v metrics.Value) field { return scaled(v, 1) }

func scaled(v metrics.Value, k int64) field {
	n, ok := v.Get()
	return field{v: int64(n) * k, ok: ok}
}

func timestamp(t time.Time) field { return some(t.Unix() - fitEpochOffset) }

func millis(d time.Duration) field { return some(d.Milliseconds()) }

type writer struct {
	buf bytes.Buffer
}

func (w *writer) definition(d messageDef) {
	w.buf.WriteByte(0x40 | d.local)
	w.buf.WriteByte(0) // reserved
	w.buf.WriteByte(0) // little-endian
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, d.global))
	w.buf.WriteByte(byte(len(d.fields)))
	for _, f := range d.fields {
		w.buf.Write([]byte{f.num, byte(f.typ.size), f.typ.id})
	}
}

func (w *writer) data(d messageDef, values ...field) error {
	if len(values) != len(d.fields) {
		return fmt.Errorf("fit: message %d: %d values for %d fields", d.global, len(values), len(d.fields))
	}
	w.buf.WriteByte(d.local)
	for i, f := range d.fields {
		raw := f.typ.invalid
		v := values[i]
		if v.ok && v.v >= f.typ.min && v.v <= f.typ.max {
			raw = uint32(v.v)
		}
		switch f.typ.size {
		case 1:
			w.buf.WriteByte(byte(raw))
		case 2:
			w.buf.Write(binary.LittleEndian.AppendUint16(nil, uint16(raw)))
		case 4:
			w.buf.Write(binary.LittleEndian.AppendUint32(nil, raw))
		}
	}
	return nil
}

// Encode serializes a closed session as a FIT activity file.
func Encode(s *Session) ([]byte, error) {
	return EncodeWithCreator(s, DefaultCreator)
}

// EncodeWithCreator is Encode with an explicit creator identity.
func EncodeWithCreator(s *Session, c Creator) ([]byte, error) {
	if s.Open() {
		return nil, ErrSessionOpen
	}
	end := *s.EndTime
	elapsed := s.Duration()
	sport, subSport := int64(sportRowing), int64(subSportIndoorRowing)
	if s.Sport == SportCycling {
		sport, subSport = sportCycling, subSportIndoorCycle
	}

	w := &writer{}
	steps := []func() error{
		func() error {
			w.definition(fileIDDef)
			return w.data(fileIDDef, some(fileTypeActivity), some(manufacturerDevelopment),
				some(int64(c.Product)), some(int64(c.SerialNumber)), timestamp(s.StartTime))
		},
		func() error {
			w.definition(fileCreatorDef)
			return w.data(fileCreatorDef, some(int64(c.SoftwareVersion)), some(int64(c.HardwareVersion)))
		},
		func() error {
			if len(s.Records) == 0 {
				return nil
			}
			w.definition(recordDef)
			for _, r := range s.Records {
				err := w.data(recordDef, timestamp(r.Time()), scaled(r.DistanceMeters, 100),
					opt(r.PowerWatts), opt(r.HeartRateBpm), opt(r.StrokeRate))
				if err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			w.definition(sessionDef)
			return w.data(sessionDef, timestamp(end), timestamp(s.StartTime),
				millis(elapsed), millis(elapsed), scaled(s.TotalDistance, 100),
				opt(s.TotalStrokes), opt(s.TotalCalories),
				opt(s.AveragePower), opt(s.MaxPower),
				some(sport), some(subSport), some(eventSession), some(eventTypeStop))
		},
		func() error {
			w.definition(activityDef)
			return w.data(activityDef, timestamp(end), millis(elapsed), some(1),
				some(activityTypeManual), some(eventActivity), some(eventTypeStop))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	body := w.buf.Bytes()
	out := make([]byte, 0, headerSize+len(body)+2)
	out = append(out, headerSize, protocolVersion)
	out = binary.LittleEndian.AppendUint16(out, profileVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, ".FIT"...)
	out = binary.LittleEndian.AppendUint16(out, CRC16(out[:12]))
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint16(out, CRC16(body))
	return out, nil
}
