package training

// lossWindow sums the cross-process mean losses of the micro-steps since the
// last update boundary.
type lossWindow struct {
	sum     float64
	between int
}

func (w *lossWindow) add(loss float64) {
	w.sum += loss
	w.between++
}

// mean divides by the micro-steps actually seen, so a window cut short at the
// end of an epoch still averages correctly.
func (w *lossWindow) mean() float64 {
	if w.between == 0 {
		return 0
	}
	return w.sum / float64(w.between)
}

func (w *lossWindow) reset() {
	*w = lossWindow{}
}

// AccumulationCounter decides when a Model should synchronize gradients: every
// Steps micro-steps, and on the last micro-step of an epoch.
type AccumulationCounter struct {
	Steps int
	n     int
}

// Next registers one micro-step and reports whether it closes the window.
func (c *AccumulationCounter) Next(final bool) bool {
	c.n++
	if c.n >= max(1, c.Steps) || final {
		c.n = 0
		return true
	}
	return false
}
