package types

import (
	"github.com/fxamacker/cbor/v2"
)

// Every node must produce the same bytes for the same header, so all hashing
// and persistence goes through one canonical CBOR mode.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the canonical CBOR encoding shared by headers,
// attestations and persisted records.
func Marshal(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// MustMarshal is Marshal that panics. Only for types whose encoding cannot
// fail.
func MustMarshal(v interface{}) []byte {
	bz, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return bz
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v interface{}) error {
	return cborDec.Unmarshal(data, v)
}
