package engine

import "time"

// pacer picks the pool size and the delay between steps. Burst mode runs the
// full pool with no delay; paced mode serializes every store through a single
// worker and spreads the remaining work over the target duration.
type pacer struct {
	target time.Duration
	burst  int
}

func newPacer(target time.Duration, burst int) pacer {
	return pacer{target: target, burst: burst}
}

func (p pacer) paced() bool {
	return p.target > 0
}

func (p pacer) workers() int {
	if p.paced() {
		return 1
	}
	return p.burst
}

// delay is floor(target / knownTotal), where knownTotal counts completed,
// queued and in-flight work at the moment of asking.
func (p pacer) delay(knownTotal int) time.Duration {
	if !p.paced() || knownTotal <= 0 {
		return 0
	}
	return p.target / time.Duration(knownTotal)
}
