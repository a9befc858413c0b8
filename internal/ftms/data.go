package ftms

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

// ErrShortData is returned when a data characteristic value ends before the
// fields its flags announce.
var ErrShortData = errors.New("ftms: data truncated")

// Rower Data flag bits. Bit 0 ("More Data") is inverted: stroke rate and
// stroke count are present when it is clear.
const (
	rowerMoreData          uint16 = 1 << 0
	rowerAverageStrokeRate uint16 = 1 << 1
	rowerTotalDistance     uint16 = 1 << 2
	rowerInstantPace       uint16 = 1 << 3
	rowerAveragePace       uint16 = 1 << 4
	rowerInstantPower      uint16 = 1 << 5
	rowerAveragePower      uint16 = 1 << 6
	rowerResistance        uint16 = 1 << 7
	rowerExpendedEnergy    uint16 = 1 << 8
	rowerHeartRate         uint16 = 1 << 9
	rowerMetabolic         uint16 = 1 << 10
	rowerElapsedTime       uint16 = 1 << 11
	rowerRemainingTime     uint16 = 1 << 12
)

// Indoor Bike Data flag bits. Bit 0 is inverted: instantaneous speed is
// present when it is clear.
const (
	bikeMoreData       uint16 = 1 << 0
	bikeAverageSpeed   uint16 = 1 << 1
	bikeInstantCadence uint16 = 1 << 2
	bikeAverageCadence uint16 = 1 << 3
	bikeTotalDistance  uint16 = 1 << 4
	bikeResistance     uint16 = 1 << 5
	bikeInstantPower   uint16 = 1 << 6
	bikeAveragePower   uint16 = 1 << 7
	bikeExpendedEnergy uint16 = 1 << 8
	bikeHeartRate      uint16 = 1 << 9
	bikeMetabolic      uint16 = 1 << 10
	bikeElapsedTime    uint16 = 1 << 11
	bikeRemainingTime  uint16 = 1 << 12
)

// Expended Energy "data not available" sentinels.
const (
	energyPerHourUnavailable   = 0xFFFF
	energyPerMinuteUnavailable = 0xFF
)

// BikeMapping converts stroke rate into the simulated bike readings. The
// conversion is a heuristic; it only has to rise with stroke rate.
type BikeMapping struct {
	SpeedPerSPM  int     // instantaneous speed per stroke/min, in 0.01 km/h
	CadenceRatio float64 // pedal revolutions per stroke
}

// DefaultBikeMapping returns 1.2 km/h per stroke/min and one revolution per
// stroke.
func DefaultBikeMapping() BikeMapping {
	return BikeMapping{SpeedPerSPM: 120, CadenceRatio: 1.0}
}

// Speed returns the simulated speed for spm in 0.01 km/h.
func (b BikeMapping) Speed(spm int) int {
	return clampU16(spm * b.SpeedPerSPM)
}

// Cadence returns the simulated cadence for spm in 0.5 rpm units.
func (b BikeMapping) Cadence(spm int) int {
	return clampU16(int(math.Round(float64(spm*2) * b.CadenceRatio)))
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v int)  { w.buf = append(w.buf, byte(clampRange(v, 0, math.MaxUint8))) }
func (w *writer) u16(v int) { w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(clampU16(v))) }
func (w *writer) s16(v int) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(int16(clampRange(v, math.MinInt16, math.MaxInt16))))
}
func (w *writer) u24(v int) {
	v = clampRange(v, 0, 1<<24-1)
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func clampRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampU16(v int) int {
	return clampRange(v, 0, math.MaxUint16)
}

// energyRates derives energy per hour and per minute from total calories
// and elapsed time, or the not-available sentinels when either is unknown.
func energyRates(m metrics.RowingMetrics) (perHour, perMinute int) {
	cal, okCal := m.Calories.Get()
	secs, okSecs := m.ElapsedSeconds.Get()
	if !okCal || !okSecs || secs <= 0 || cal < 0 {
		return energyPerHourUnavailable, energyPerMinuteUnavailable
	}
	perHour = min(cal*3600/secs, energyPerHourUnavailable-1)
	perMinute = min(cal*60/secs, energyPerMinuteUnavailable-1)
	return perHour, perMinute
}

// averagePace returns seconds per 500 m, or false when distance or elapsed
// time is unknown or zero.
func averagePace(m metrics.RowingMetrics) (int, bool) {
	dist, okDist := m.DistanceMeters.Get()
	secs, okSecs := m.ElapsedSeconds.Get()
	if !okDist || !okSecs || dist <= 0 || secs <= 0 {
		return 0, false
	}
	return clampU16(secs * 500 / dist), true
}

// EncodeRowerData serializes m as a Rower Data (0x2AD1) value. Absent
// metrics clear their flag and are left out of the packet.
func EncodeRowerData(m metrics.RowingMetrics) []byte {
	var flags uint16
	w := &writer{buf: make([]byte, 2, 20)}

	// Stroke rate and count share the More Data bit, so they are sent only
	// as a pair; a lone reading would force a fake zero for the other.
	rate, okRate := m.StrokeRate.Get()
	count, okCount := m.StrokeCount.Get()
	if okRate && okCount {
		w.u8(rate * 2)
		w.u16(count)
	} else {
		flags |= rowerMoreData
	}
	if v, ok := m.DistanceMeters.Get(); ok {
		flags |= rowerTotalDistance
		w.u24(v)
	}
	if pace, ok := averagePace(m); ok {
		flags |= rowerAveragePace
		w.u16(pace)
	}
	if v, ok := m.PowerWatts.Get(); ok {
		flags |= rowerInstantPower
		w.s16(v)
	}
	if v, ok := m.GearLevel.Get(); ok {
		flags |= rowerResistance
		w.s16(v)
	}
	if v, ok := m.Calories.Get(); ok {
		flags |= rowerExpendedEnergy
		perHour, perMinute := energyRates(m)
		w.u16(v)
		w.u16(perHour)
		w.u8(perMinute)
	}
	if v, ok := m.HeartRateBpm.Get(); ok {
		flags |= rowerHeartRate
		w.u8(v)
	}
	if v, ok := m.ElapsedSeconds.Get(); ok {
		flags |= rowerElapsedTime
		w.u16(v)
	}

	binary.LittleEndian.PutUint16(w.buf, flags)
	return w.buf
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortData
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() int {
	if b := r.take(1); b != nil {
		return int(b[0])
	}
	return 0
}

func (r *reader) u16() int {
	if b := r.take(2); b != nil {
		return int(binary.LittleEndian.Uint16(b))
	}
	return 0
}

func (r *reader) s16() int {
	if b := r.take(2); b != nil {
		return int(int16(binary.LittleEndian.Uint16(b)))
	}
	return 0
}

func (r *reader) u24() int {
	if b := r.take(3); b != nil {
		return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	}
	return 0
}

// DecodeRowerData parses a Rower Data value. Fields the bridge does not
// model (averages, pace, MET, remaining time) are skipped.
func DecodeRowerData(b []byte) (metrics.RowingMetrics, error) {
	var m metrics.RowingMetrics
	r := &reader{buf: b}
	flags := uint16(r.u16())

	if flags&rowerMoreData == 0 {
		m.StrokeRate = metrics.Some(r.u8() / 2)
		m.StrokeCount = metrics.Some(r.u16())
	}
	if flags&rowerAverageStrokeRate != 0 {
		r.u8()
	}
	if flags&rowerTotalDistance != 0 {
		m.DistanceMeters = metrics.Some(r.u24())
	}
	if flags&rowerInstantPace != 0 {
		r.u16()
	}
	if flags&rowerAveragePace != 0 {
		r.u16()
	}
	if flags&rowerInstantPower != 0 {
		m.PowerWatts = metrics.Some(r.s16())
	}
	if flags&rowerAveragePower != 0 {
		r.s16()
	}
	if flags&rowerResistance != 0 {
		m.GearLevel = metrics.Some(r.s16())
	}
	if flags&rowerExpendedEnergy != 0 {
		m.Calories = metrics.Some(r.u16())
		r.u16()
		r.u8()
	}
	if flags&rowerHeartRate != 0 {
		m.HeartRateBpm = metrics.Some(r.u8())
	}
	if flags&rowerMetabolic != 0 {
		r.u8()
	}
	if flags&rowerElapsedTime != 0 {
		m.ElapsedSeconds = metrics.Some(r.u16())
	}
	if flags&rowerRemainingTime != 0 {
		r.u16()
	}
	if r.err != nil {
		return metrics.RowingMetrics{}, r.err
	}
	return m, nil
}

// BikeData is the decoded form of an Indoor Bike Data value.
type BikeData struct {
	Speed          metrics.Value // 0.01 km/h
	Cadence        metrics.Value // 0.5 rpm
	DistanceMeters metrics.Value
	Resistance     metrics.Value
	PowerWatts     metrics.Value
	Calories       metrics.Value
	HeartRateBpm   metrics.Value
	ElapsedSeconds metrics.Value
}

// EncodeIndoorBikeData serializes m as an Indoor Bike Data (0x2AD2) value,
// simulating speed and cadence from the stroke rate.
func EncodeIndoorBikeData(m metrics.RowingMetrics, mapping BikeMapping) []byte {
	var flags uint16
	w := &writer{buf: make([]byte, 2, 20)}

	spm, hasRate := m.StrokeRate.Get()
	if hasRate {
		w.u16(mapping.Speed(spm))
	} else {
		flags |= bikeMoreData
	}
	if hasRate {
		flags |= bikeInstantCadence
		w.u16(mapping.Cadence(spm))
	}
	if v, ok := m.DistanceMeters.Get(); ok {
		flags |= bikeTotalDistance
		w.u24(v)
	}
	if v, ok := m.GearLevel.Get(); ok {
		flags |= bikeResistance
		w.s16(v)
	}
	if v, ok := m.PowerWatts.Get(); ok {
		flags |= bikeInstantPower
		w.s16(v)
	}
	if v, ok := m.Calories.Get(); ok {
		flags |= bikeExpendedEnergy
		perHour, perMinute := energyRates(m)
		w.u16(v)
		w.u16(perHour)
		w.u8(perMinute)
	}
	if v, ok := m.HeartRateBpm.Get(); ok {
		flags |= bikeHeartRate
		w.u8(v)
	}
	if v, ok := m.ElapsedSeconds.Get(); ok {
		flags |= bikeElapsedTime
		w.u16(v)
	}

	binary.LittleEndian.PutUint16(w.buf, flags)
	return w.buf
}

// DecodeIndoorBikeData parses an Indoor Bike Data value.
func DecodeIndoorBikeData(b []byte) (BikeData, error) {
	var d BikeData
	r := &reader{buf: b}
	flags := uint16(r.u16())

	if flags&bikeMoreData == 0 {
		d.Speed = metrics.Some(r.u16())
	}
	if flags&bikeAverageSpeed != 0 {
		r.u16()
	}
	if flags&bikeInstantCadence != 0 {
		d.Cadence = metrics.Some(r.u16())
	}
	if flags&bikeAverageCadence != 0 {
		r.u16()
	}
	if flags&bikeTotalDistance != 0 {
		d.DistanceMeters = metrics.Some(r.u24())
	}
	if flags&bikeResistance != 0 {
		d.Resistance = metrics.Some(r.s16())
	}
	if flags&bikeInstantPower != 0 {
		d.PowerWatts = metrics.Some(r.s16())
	}
	if flags&bikeAveragePower != 0 {
		r.s16()
	}
	if flags&bikeExpendedEnergy != 0 {
		d.Calories = metrics.Some(r.u16())
		r.u16()
		r.u8()
	}
	if flags&bikeHeartRate != 0 {
		d.HeartRateBpm = metrics.Some(r.u8())
	}
	if flags&bikeMetabolic != 0 {
		r.u8()
	}
	if flags&bikeElapsedTime != 0 {
		d.ElapsedSeconds = metrics.Some(r.u16())
	}
	if flags&bikeRemainingTime != 0 {
		r.u16()
	}
	if r.err != nil {
		return BikeData{}, r.err
	}
	return d, nil
}

// Features returns the 8-byte Fitness Machine Feature value for p.
func Features(p MachineProfile) []byte {
	machine := featureCadence | featureTotalDistance |
		featureResistance | featureEnergy | featureHeartRate |
		featureElapsedTime | featurePower
	if p == Rower {
		machine |= featurePace
	}
	target := advertisedTargets

	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], machine)
	binary.LittleEndian.PutUint32(b[4:8], target)
	return b
}

// Supported ranges advertised alongside the target-setting features.
const (
	minSpeed, maxSpeed, speedStep = 0, 5000, 10 // 0.01 km/h
	minPower, maxPower, powerStep = 0, 1000, 1  // W
)

// SpeedRange returns the Supported Speed Range value.
func SpeedRange() []byte {
	w := &writer{}
	w.u16(minSpeed)
	w.u16(maxSpeed)
	w.u16(speedStep)
	return w.buf
}

// PowerRange returns the Supported Power Range value.
func PowerRange() []byte {
	w := &writer{}
	w.s16(minPower)
	w.s16(maxPower)
	w.u16(powerStep)
	return w.buf
}

// Encode serializes m for the data characteristic of p.
func Encode(p MachineProfile, m metrics.RowingMetrics, mapping BikeMapping) []byte {
	if p == Bike {
		return EncodeIndoorBikeData(m, mapping)
	}
	return EncodeRowerData(m)
}
