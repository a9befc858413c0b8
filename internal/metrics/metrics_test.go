package metrics

import (
	"encoding/json"
	"strings"
	"testing"
)

func sample() RowingMetrics {
	return RowingMetrics{
		RawHex:         "f0a5",
		TimestampMs:    1700000000000,
		ElapsedSeconds: Some(90),
		StrokeCount:    Some(12),
		StrokeRate:     Some(24),
		DistanceMeters: Some(0),
		PowerWatts:     Some(150),
	}
}

func TestValueZeroIsAbsent(t *testing.T) {
	var v Value
	if v.Valid() {
		t.Error("zero Value should be absent")
	}
	if got := v.Or(-1); got != -1 {
		t.Errorf("Or(-1) = %d, want -1", got)
	}
	if got, ok := Some(0).Get(); !ok || got != 0 {
		t.Errorf("Some(0).Get() = %d, %v, want 0, true", got, ok)
	}
}

func TestValueString(t *testing.T) {
	if got := Some(-3).String(); got != "-3" {
		t.Errorf("Some(-3).String() = %q", got)
	}
	if got := (Value{}).String(); got != "-" {
		t.Errorf("absent String() = %q, want -", got)
	}
}

func TestDecoded(t *testing.T) {
	raw := RowingMetrics{RawHex: "00", TimestampMs: 1}
	if raw.Decoded() {
		t.Error("raw-only metrics should not report Decoded")
	}
	if !sample().Decoded() {
		t.Error("sample should report Decoded")
	}
}

func TestMarshalJSONOmitsAbsent(t *testing.T) {
	data, err := json.Marshal(sample())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	for _, want := range []string{`"rawHex":"f0a5"`, `"elapsedSeconds":90`, `"distanceMeters":0`, `"powerWatts":150`} {
		if !strings.Contains(s, want) {
			t.Errorf("payload %s missing %s", s, want)
		}
	}
	for _, absent := range []string{"calories", "heartRateBpm", "gearLevel"} {
		if strings.Contains(s, absent) {
			t.Errorf("payload %s should omit %s", s, absent)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			want := sample()
			data, err := EncodePayload(want, enc)
			if err != nil {
				t.Fatalf("EncodePayload() error = %v", err)
			}
			got, err := DecodePayload(data, enc)
			if err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			if got != want {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}
		})
	}
}

func TestEncodePayloadUnknown(t *testing.T) {
	if _, err := EncodePayload(sample(), "xml"); err == nil {
		t.Error("expected error for unknown encoding")
	}
}
