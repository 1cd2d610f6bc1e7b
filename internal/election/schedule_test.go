package election

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridchain/hybridchain/types"
)

func TestScheduleTimeIndex(t *testing.T) {
	s := Schedule{EpochTime: 100, BlockInterval: 3}
	testCases := []struct {
		ts   int64
		want int64
	}{
		{100, 1},
		{101, 2},
		{103, 2},
		{104, 3},
		{106, 3},
		{97, 0},
		{96, 0},
		{95, 0},
		{94, -1},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, s.TimeIndex(tc.ts), "ts=%d", tc.ts)
	}

	for ti := int64(-3); ti < 10; ti++ {
		assert.Equal(t, ti, s.TimeIndex(s.SlotTime(ti)))
	}
}

func TestScheduleDueProducerRotates(t *testing.T) {
	ballots := makeBallots(1, 1, 1)
	roster := &Roster{Validators: setOf(t, ballots), ElectionTimeIndex: 5}
	s := Schedule{EpochTime: 0, BlockInterval: 1}

	for i := int64(0); i < 9; i++ {
		due, err := s.DueProducer(roster, s.SlotTime(5+i), 0)
		require.NoError(t, err)
		assert.Equal(t, roster.Validators.GetByIndex(int(i%3)).Address, due.Address)

		shifted, err := s.DueProducer(roster, s.SlotTime(5+i), 1)
		require.NoError(t, err)
		assert.Equal(t, roster.Validators.GetByIndex(int((i+1)%3)).Address, shifted.Address)
	}

	// before the election time index wraps backwards
	due, err := s.DueProducer(roster, s.SlotTime(4), 0)
	require.NoError(t, err)
	assert.Equal(t, roster.Validators.GetByIndex(2).Address, due.Address)

	h := &types.Header{Number: 1, Timestamp: s.SlotTime(6), Producer: roster.Validators.GetByIndex(1).Address}
	assert.True(t, s.IsDueProducer(h, roster, 0))
	h.Producer = roster.Validators.GetByIndex(0).Address
	assert.False(t, s.IsDueProducer(h, roster, 0))
}

func TestScheduleEmptyRoster(t *testing.T) {
	s := Schedule{EpochTime: 0, BlockInterval: 1}
	empty, err := types.NewValidatorSet(nil)
	require.NoError(t, err)
	roster := &Roster{Validators: empty}

	_, err = s.DueProducer(roster, 10, 0)
	assert.ErrorIs(t, err, types.ErrNotEnough)
	assert.False(t, s.IsDueProducer(&types.Header{Timestamp: 10}, roster, 0))

	_, ok := s.NextTurn(roster, []byte("anyone"), 10)
	assert.False(t, ok)
}

func TestScheduleNextTurn(t *testing.T) {
	ballots := makeBallots(1, 1, 1)
	roster := &Roster{Validators: setOf(t, ballots), ElectionTimeIndex: 1}
	s := Schedule{EpochTime: 0, BlockInterval: 2}

	// slot of time index 1 is t=0, owned by member 0
	third := roster.Validators.GetByIndex(2).Address
	slot, ok := s.NextTurn(roster, third, 0)
	require.True(t, ok)
	assert.EqualValues(t, 4, slot)

	// strictly after ts
	slot, ok = s.NextTurn(roster, third, 4)
	require.True(t, ok)
	assert.EqualValues(t, 10, slot)

	// mid-slot
	first := roster.Validators.GetByIndex(0).Address
	slot, ok = s.NextTurn(roster, first, 1)
	require.True(t, ok)
	assert.EqualValues(t, 6, slot)

	_, ok = s.NextTurn(roster, []byte("stranger"), 0)
	assert.False(t, ok)
}
