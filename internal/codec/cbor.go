// Package codec encodes persisted transfer state.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v interface{}) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v. Duplicate map keys are rejected.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
