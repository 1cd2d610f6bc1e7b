package bytes

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexBytesJSON(t *testing.T) {
	type doc struct {
		Hash HexBytes `json:"hash"`
	}

	bz, err := json.Marshal(doc{Hash: HexBytes{0xab, 0x01}})
	require.NoError(t, err)
	assert.Equal(t, `{"hash":"AB01"}`, string(bz))

	for _, in := range []string{`{"hash":"AB01"}`, `{"hash":"ab01"}`, `{"hash":"0xab01"}`} {
		var d doc
		require.NoError(t, json.Unmarshal([]byte(in), &d), in)
		assert.Equal(t, HexBytes{0xab, 0x01}, d.Hash, in)
	}

	var d doc
	assert.Error(t, json.Unmarshal([]byte(`{"hash":"zz"}`), &d))
}

func TestHexBytesFormatting(t *testing.T) {
	bz := HexBytes{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "DEADBEEF", fmt.Sprintf("%v", bz))
	assert.Equal(t, "DEADBEEF", fmt.Sprintf("%s", bz))
	assert.Equal(t, "DEADBE", bz.ShortString())
	assert.Equal(t, "DE", HexBytes{0xde}.ShortString())
}

func TestHexBytesCopy(t *testing.T) {
	assert.Nil(t, HexBytes(nil).Copy())

	bz := HexBytes{1, 2, 3}
	cp := bz.Copy()
	cp[0] = 9
	assert.Equal(t, byte(1), bz[0])
	assert.True(t, bz.Equal([]byte{1, 2, 3}))
	assert.Equal(t, -1, bz.Compare(cp))
}
