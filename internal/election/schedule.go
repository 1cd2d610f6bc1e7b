package election

import (
	"github.com/hybridchain/hybridchain/crypto"
	tmmath "github.com/hybridchain/hybridchain/libs/math"
	"github.com/hybridchain/hybridchain/types"
)

// Schedule maps wall-clock seconds onto production slots. Slot (time index)
// i covers (EpochTime+(i-2)*BlockInterval, EpochTime+(i-1)*BlockInterval].
type Schedule struct {
	EpochTime     int64 // unix seconds
	BlockInterval int64 // seconds, > 0
}

// TimeIndex returns ceil((ts - EpochTime) / BlockInterval) + 1.
func (s Schedule) TimeIndex(ts int64) int64 {
	return tmmath.CeilDiv(ts-s.EpochTime, s.BlockInterval) + 1
}

// SlotTime returns the latest timestamp that still maps to time index ti.
func (s Schedule) SlotTime(ti int64) int64 {
	return s.EpochTime + (ti-1)*s.BlockInterval
}

// DueProducer returns the roster member whose turn covers ts, shifted by
// viewOffset turns.
func (s Schedule) DueProducer(roster *Roster, ts int64, viewOffset int64) (types.Validator, error) {
	n := int64(roster.Validators.Size())
	if n == 0 {
		return types.Validator{}, types.NotEnoughf("empty roster at height %d", roster.Height)
	}
	idx := tmmath.Mod(s.TimeIndex(ts)-roster.ElectionTimeIndex+viewOffset, n)
	return roster.Validators.GetByIndex(int(idx)), nil
}

// IsDueProducer reports whether h was produced by the member whose turn
// covers h's timestamp.
func (s Schedule) IsDueProducer(h *types.Header, roster *Roster, viewOffset int64) bool {
	due, err := s.DueProducer(roster, h.Timestamp, viewOffset)
	if err != nil {
		return false
	}
	return due.Address.Equal(h.Producer)
}

// NextTurn returns the first slot time strictly after ts at which address
// is due, searching at most one full rotation. ok is false when address is
// not on the roster.
func (s Schedule) NextTurn(roster *Roster, address crypto.Address, ts int64) (slot int64, ok bool) {
	n := int64(roster.Validators.Size())
	ti := s.TimeIndex(ts)
	if s.SlotTime(ti) <= ts {
		ti++
	}
	for i := int64(0); i < n; i++ {
		due, err := s.DueProducer(roster, s.SlotTime(ti+i), 0)
		if err != nil {
			return 0, false
		}
		if due.Address.Equal(address) {
			return s.SlotTime(ti + i), true
		}
	}
	return 0, false
}
