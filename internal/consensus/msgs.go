package consensus

import (
	"fmt"

	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/internal/p2p"
	"github.com/hybridchain/hybridchain/types"
)

// Channels the engine speaks on.
const (
	BlockChannel       = p2p.ChannelID(0x20)
	ProposalChannel    = p2p.ChannelID(0x21)
	VoteChannel        = p2p.ChannelID(0x22)
	AttestationChannel = p2p.ChannelID(0x23)
	RegistryChannel    = p2p.ChannelID(0x24)
)

// Transport carries engine messages to the other nodes.
type Transport interface {
	Broadcast(ch p2p.ChannelID, msg []byte) error
}

// Message is an event handled by the engine loop.
type Message interface {
	consensusMessage()
}

// ProposeBlock asks the engine to produce a block at Timestamp if this node
// is due.
type ProposeBlock struct {
	Timestamp int64

	reply chan ProposeResult
}

// VerifyBlock asks the engine to import a header received from a peer.
type VerifyBlock struct {
	Header *types.Header

	reply chan VerifyResult
}

// BlockMined carries a locally produced header that is complete: signed by
// its producer and, under BFT, by a quorum.
type BlockMined struct {
	Header *types.Header
}

// AttestationReceived carries a finality attestation.
type AttestationReceived struct {
	Attestation types.Attestation

	reply chan error
}

// ProposalReceived carries a BFT proposal awaiting votes.
type ProposalReceived struct {
	Header *types.Header
}

// VoteReceived carries a validator's signature on a BFT proposal.
type VoteReceived struct {
	Vote Vote
}

// RegistryOpReceived carries a registry op gossiped by a peer.
type RegistryOpReceived struct {
	Op types.RegistryOp
}

func (ProposeBlock) consensusMessage()        {}
func (VerifyBlock) consensusMessage()         {}
func (BlockMined) consensusMessage()          {}
func (AttestationReceived) consensusMessage() {}
func (ProposalReceived) consensusMessage()    {}
func (VoteReceived) consensusMessage()        {}
func (RegistryOpReceived) consensusMessage()  {}

// Vote is a signature on a proposal, sent back to its proposer.
type Vote struct {
	Hash      tmbytes.HexBytes     `cbor:"1,keyasint"`
	Signature types.BlockSignature `cbor:"2,keyasint"`
}

// ProposeResult is the reply to ProposeBlock. Header is set when a block
// (or, under BFT, a proposal) was produced.
type ProposeResult struct {
	Header *types.Header
	Code   types.ReasonCode
	Err    error
}

// VerifyResult is the reply to VerifyBlock.
type VerifyResult struct {
	Code        types.ReasonCode
	Err         error
	BestChanged bool
}

func resultOf(err error) VerifyResult {
	return VerifyResult{Code: types.CodeOf(err), Err: err}
}

// decodeEnvelope turns a transport envelope into a loop message.
func decodeEnvelope(env p2p.Envelope) (Message, error) {
	switch env.ChannelID {
	case BlockChannel:
		h := new(types.Header)
		if err := types.Unmarshal(env.Message, h); err != nil {
			return nil, err
		}
		return VerifyBlock{Header: h}, nil
	case ProposalChannel:
		h := new(types.Header)
		if err := types.Unmarshal(env.Message, h); err != nil {
			return nil, err
		}
		return ProposalReceived{Header: h}, nil
	case VoteChannel:
		var v Vote
		if err := types.Unmarshal(env.Message, &v); err != nil {
			return nil, err
		}
		return VoteReceived{Vote: v}, nil
	case AttestationChannel:
		var a types.Attestation
		if err := types.Unmarshal(env.Message, &a); err != nil {
			return nil, err
		}
		return AttestationReceived{Attestation: a}, nil
	case RegistryChannel:
		var op types.RegistryOp
		if err := types.Unmarshal(env.Message, &op); err != nil {
			return nil, err
		}
		return RegistryOpReceived{Op: op}, nil
	default:
		return nil, fmt.Errorf("unknown channel %#x", env.ChannelID)
	}
}
