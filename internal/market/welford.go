package market

import "math"

// welford tracks the running mean and variance of per-tick percent moves.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// sigma is the sample standard deviation, zero until two moves are seen.
func (w *welford) sigma() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}
