package tipstate

// ForkChoice orders branch tips. TimeIndex maps a tip timestamp to its
// production slot.
type ForkChoice struct {
	TimeIndex func(ts int64) int64
}

// Compare returns +1 if a is preferred over b, -1 if b is preferred, and 0
// when neither wins. Preference goes to the higher irreversible height,
// then the longer branch, then the later production slot.
func (fc ForkChoice) Compare(a, b *TipState) int {
	if c := cmpInt64(a.Irreversible.Number, b.Irreversible.Number); c != 0 {
		return c
	}
	if c := cmpInt64(a.Tip.Number, b.Tip.Number); c != 0 {
		return c
	}
	return cmpInt64(fc.TimeIndex(a.Tip.Timestamp), fc.TimeIndex(b.Tip.Timestamp))
}

// Prefer reports whether candidate should replace best. A complete tie
// keeps best.
func (fc ForkChoice) Prefer(candidate, best *TipState) bool {
	return fc.Compare(candidate, best) > 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
