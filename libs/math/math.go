package math

// CeilDiv returns ceil(a/b) for b > 0, rounding toward positive infinity for
// negative a as well.
func CeilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a > 0 {
		q++
	}
	return q
}

// Mod returns the non-negative remainder of a divided by n, for n > 0.
func Mod(a, n int64) int64 {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// MaxInt64 returns the larger of a and b.
func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
