package bytes

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a byte slice rendered as upper-case hex in JSON, TOML, logs
// and %v/%s/%X formatting. Hashes, addresses and keys all use it.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (bz HexBytes) MarshalText() ([]byte, error) {
	return []byte(bz.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Either case is
// accepted, with or without a 0x prefix.
func (bz *HexBytes) UnmarshalText(data []byte) error {
	input := strings.TrimPrefix(strings.TrimPrefix(string(data), "0x"), "0X")
	if input == "" || input == "null" {
		*bz = nil
		return nil
	}
	dec, err := hex.DecodeString(input)
	if err != nil {
		return fmt.Errorf("decoding hex bytes: %w", err)
	}
	*bz = dec
	return nil
}

// Bytes returns the underlying slice.
func (bz HexBytes) Bytes() []byte { return bz }

func (bz HexBytes) String() string {
	return strings.ToUpper(hex.EncodeToString(bz))
}

// ShortString renders at most the first three bytes, enough to tell hashes
// apart in logs.
func (bz HexBytes) ShortString() string {
	if len(bz) > 3 {
		return bz[:3].String()
	}
	return bz.String()
}

// Format makes every verb but %p print the hex form.
func (bz HexBytes) Format(s fmt.State, verb rune) {
	if verb == 'p' {
		fmt.Fprintf(s, "%p", []byte(bz))
		return
	}
	fmt.Fprint(s, bz.String())
}

// Copy returns a deep copy. A nil slice stays nil.
func (bz HexBytes) Copy() HexBytes {
	if bz == nil {
		return nil
	}
	return append(HexBytes(make([]byte, 0, len(bz))), bz...)
}

// Equal reports whether bz and b hold the same bytes.
func (bz HexBytes) Equal(b []byte) bool { return bytes.Equal(bz, b) }

// Compare orders byte slices lexicographically.
func (bz HexBytes) Compare(b []byte) int { return bytes.Compare(bz, b) }
