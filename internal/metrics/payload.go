package metrics

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the telemetry payload format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// cborMode uses Core Deterministic Encoding so the same snapshot always
// produces the same bytes on the bus.
var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("metrics: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodePayload serializes m for publishing. An empty encoding means JSON.
func EncodePayload(m RowingMetrics, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(m)
	case EncodingCBOR:
		return cborMode.Marshal(m.wire())
	default:
		return nil, fmt.Errorf("metrics: unknown payload encoding %q", enc)
	}
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(data []byte, enc Encoding) (RowingMetrics, error) {
	var w wireMetrics
	switch enc {
	case EncodingJSON, "":
		if err := json.Unmarshal(data, &w); err != nil {
			return RowingMetrics{}, fmt.Errorf("metrics: decode json payload: %w", err)
		}
	case EncodingCBOR:
		if err := cbor.Unmarshal(data, &w); err != nil {
			return RowingMetrics{}, fmt.Errorf("metrics: decode cbor payload: %w", err)
		}
	default:
		return RowingMetrics{}, fmt.Errorf("metrics: unknown payload encoding %q", enc)
	}
	return fromWire(w), nil
}
