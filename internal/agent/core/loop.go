package core

// loopDetector spots the controller proposing the same action over and over.
// It keeps a sliding window of action fingerprints; when one fingerprint
// reaches the threshold inside the window the turn is cut off.
type loopDetector struct {
	window    int
	threshold int
	recent    []string
}

func newLoopDetector(window, threshold int) *loopDetector {
	if window <= 0 {
		window = 6
	}
	if threshold <= 1 {
		threshold = 3
	}
	return &loopDetector{window: window, threshold: threshold}
}

// Observe records an action and reports whether it completes a loop.
func (d *loopDetector) Observe(a Action) bool {
	fp := a.Fingerprint()
	d.recent = append(d.recent, fp)
	if len(d.recent) > d.window {
		d.recent = d.recent[len(d.recent)-d.window:]
	}
	count := 0
	for _, seen := range d.recent {
		if seen == fp {
			count++
		}
	}
	return count >= d.threshold
}
