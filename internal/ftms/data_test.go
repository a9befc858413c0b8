package ftms

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/chaz8081/rowbridge/internal/metrics"
)

func fullMetrics() metrics.RowingMetrics {
	return metrics.RowingMetrics{
		TimestampMs:    1700000000000,
		ElapsedSeconds: metrics.Some(120),
		StrokeCount:    metrics.Some(100),
		StrokeRate:     metrics.Some(24),
		DistanceMeters: metrics.Some(500),
		Calories:       metrics.Some(30),
		HeartRateBpm:   metrics.Some(140),
		PowerWatts:     metrics.Some(150),
		GearLevel:      metrics.Some(5),
	}
}

func TestEncodeRowerDataBytes(t *testing.T) {
	got := hex.EncodeToString(EncodeRowerData(fullMetrics()))
	want := "b40b" + "30" + "6400" + "f40100" + "7800" + "9600" + "0500" + "1e00" + "8403" + "0f" + "8c" + "7800"
	if got != want {
		t.Errorf("EncodeRowerData() =\n%s\nwant\n%s", got, want)
	}
}

func TestRowerDataRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		m    metrics.RowingMetrics
	}{
		{"all fields", fullMetrics()},
		{"elapsed only", metrics.RowingMetrics{ElapsedSeconds: metrics.Some(61)}},
		{"strokes and power", metrics.RowingMetrics{StrokeRate: metrics.Some(30), StrokeCount: metrics.Some(7), PowerWatts: metrics.Some(210)}},
		{"heart rate and distance", metrics.RowingMetrics{HeartRateBpm: metrics.Some(99), DistanceMeters: metrics.Some(70000)}},
		{"negative gear", metrics.RowingMetrics{GearLevel: metrics.Some(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRowerData(EncodeRowerData(tt.m))
			if err != nil {
				t.Fatalf("DecodeRowerData() error = %v", err)
			}
			want := tt.m
			want.TimestampMs = 0
			if got != want {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}
		})
	}
}

func TestRowerDataAbsentFieldsShrinkPacket(t *testing.T) {
	b := EncodeRowerData(metrics.RowingMetrics{ElapsedSeconds: metrics.Some(10)})
	if len(b) != 4 {
		t.Fatalf("len = %d, want 4 (flags + elapsed)", len(b))
	}
	flags := uint16(b[0]) | uint16(b[1])<<8
	if flags != rowerMoreData|rowerElapsedTime {
		t.Errorf("flags = %#04x, want %#04x", flags, rowerMoreData|rowerElapsedTime)
	}

	empty := EncodeRowerData(metrics.RowingMetrics{})
	if hex.EncodeToString(empty) != "0100" {
		t.Errorf("empty encode = %x, want 0100", empty)
	}
}

func TestRowerStrokeRateHalfResolution(t *testing.T) {
	b := EncodeRowerData(metrics.RowingMetrics{StrokeRate: metrics.Some(27), StrokeCount: metrics.Some(3)})
	if hex.EncodeToString(b) != "0000"+"36"+"0300" {
		t.Errorf("encode = %x", b)
	}
}

func TestRowerStrokePairNeedsBothReadings(t *testing.T) {
	for _, m := range []metrics.RowingMetrics{
		{StrokeRate: metrics.Some(27)},
		{StrokeCount: metrics.Some(3)},
	} {
		b := EncodeRowerData(m)
		if hex.EncodeToString(b) != "0100" {
			t.Errorf("encode(%+v) = %x, want 0100", m, b)
		}
		got, err := DecodeRowerData(b)
		if err != nil {
			t.Fatal(err)
		}
		if got.StrokeRate.Valid() || got.StrokeCount.Valid() {
			t.Errorf("decoded %+v, want no stroke readings", got)
		}
	}
}

func TestTargetProceduresFollowFeatures(t *testing.T) {
	target := binary.LittleEndian.Uint32(Features(Rower)[4:8])
	for op, bit := range targetFeatures {
		want := ResultOpCodeNotSupported
		if target&bit != 0 {
			want = ResultSuccess
		}
		res := handleCommand(&machineState{}, []byte{byte(op)})
		if ResultCode(res.response[2]) != want {
			t.Errorf("op %#02x result = %#02x, want %#02x", byte(op), res.response[2], byte(want))
		}
	}
}

func TestEnergyRatesUnavailable(t *testing.T) {
	b := EncodeRowerData(metrics.RowingMetrics{Calories: metrics.Some(12)})
	want := "0101" + "0c00" + "ffff" + "ff"
	if got := hex.EncodeToString(b); got != want {
		t.Errorf("encode = %s, want %s", got, want)
	}
}

func TestPowerClampsToSint16(t *testing.T) {
	b := EncodeRowerData(metrics.RowingMetrics{PowerWatts: metrics.Some(40000)})
	m, err := DecodeRowerData(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.PowerWatts.Or(0); got != 32767 {
		t.Errorf("power = %d, want 32767", got)
	}
}

func TestDecodeRowerDataTruncated(t *testing.T) {
	full := EncodeRowerData(fullMetrics())
	for n := 0; n < len(full); n++ {
		if _, err := DecodeRowerData(full[:n]); !errors.Is(err, ErrShortData) {
			t.Errorf("len %d: error = %v, want ErrShortData", n, err)
		}
	}
}

func TestIndoorBikeDataRoundTrip(t *testing.T) {
	mapping := BikeMapping{SpeedPerSPM: 120, CadenceRatio: 1.5}
	m := fullMetrics()
	d, err := DecodeIndoorBikeData(EncodeIndoorBikeData(m, mapping))
	if err != nil {
		t.Fatalf("DecodeIndoorBikeData() error = %v", err)
	}

	checks := []struct {
		name string
		got  metrics.Value
		want int
	}{
		{"speed", d.Speed, 24 * 120},
		{"cadence", d.Cadence, 72}, // 24 spm * 2 * 1.5
		{"distance", d.DistanceMeters, 500},
		{"resistance", d.Resistance, 5},
		{"power", d.PowerWatts, 150},
		{"calories", d.Calories, 30},
		{"heart rate", d.HeartRateBpm, 140},
		{"elapsed", d.ElapsedSeconds, 120},
	}
	for _, c := range checks {
		v, ok := c.got.Get()
		if !ok || v != c.want {
			t.Errorf("%s = %d (present %v), want %d", c.name, v, ok, c.want)
		}
	}
}

func TestIndoorBikeWithoutStrokeRate(t *testing.T) {
	b := EncodeIndoorBikeData(metrics.RowingMetrics{PowerWatts: metrics.Some(100)}, DefaultBikeMapping())
	if hex.EncodeToString(b) != "4100"+"6400" {
		t.Errorf("encode = %x, want 41006400", b)
	}
	d, err := DecodeIndoorBikeData(b)
	if err != nil {
		t.Fatal(err)
	}
	if d.Speed.Valid() || d.Cadence.Valid() {
		t.Errorf("speed/cadence should be absent: %+v", d)
	}
}

func TestBikeSpeedMonotonic(t *testing.T) {
	mapping := DefaultBikeMapping()
	prev := -1
	for spm := 0; spm <= 60; spm++ {
		s := mapping.Speed(spm)
		if s < prev {
			t.Fatalf("Speed(%d) = %d < Speed(%d) = %d", spm, s, spm-1, prev)
		}
		prev = s
	}
}

func TestFeatures(t *testing.T) {
	tests := []struct {
		profile MachineProfile
		want    string
	}{
		{Rower, "a6560000" + "09000000"},
		{Bike, "86560000" + "09000000"},
	}
	for _, tt := range tests {
		if got := hex.EncodeToString(Features(tt.profile)); got != tt.want {
			t.Errorf("Features(%v) = %s, want %s", tt.profile, got, tt.want)
		}
	}
}

func TestRanges(t *testing.T) {
	if got := hex.EncodeToString(SpeedRange()); got != "0000"+"8813"+"0a00" {
		t.Errorf("SpeedRange() = %s", got)
	}
	if got := hex.EncodeToString(PowerRange()); got != "0000"+"e803"+"0100" {
		t.Errorf("PowerRange() = %s", got)
	}
}

func TestParseMachineProfile(t *testing.T) {
	tests := []struct {
		in      string
		want    MachineProfile
		wantErr bool
	}{
		{"rower", Rower, false},
		{"", Rower, false},
		{"Bike", Bike, false},
		{"treadmill", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMachineProfile(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMachineProfile(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMachineProfile(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
