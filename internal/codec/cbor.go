// Package codec is the deterministic CBOR encoding used for persisted
// records: the same logical record always produces identical bytes, so
// stores can compare encoded values directly.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: sorted map keys, smallest integers, no
	// indefinite lengths.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage delays decoding of a nested value.
type RawMessage = cbor.RawMessage

// Diagnose renders data in CBOR diagnostic notation for logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
