package consensus

import (
	"encoding/binary"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/types"
)

// Executor computes the post-execution state hash of a block. Transactions
// live outside the consensus core; the executor is how their result is
// bound into headers.
type Executor interface {
	StateHash(parent, h *types.Header) ([]byte, error)
}

// chainExecutor is the executor of a chain without transactions. Its state
// hash commits to the parent state and the height.
type chainExecutor struct{}

// NewChainExecutor returns the default executor.
func NewChainExecutor() Executor {
	return chainExecutor{}
}

func (chainExecutor) StateHash(parent, h *types.Header) ([]byte, error) {
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], uint64(h.Number))
	bz := make([]byte, 0, len(parent.StateHash)+len(height))
	bz = append(bz, parent.StateHash...)
	bz = append(bz, height[:]...)
	return crypto.Checksum(bz), nil
}
