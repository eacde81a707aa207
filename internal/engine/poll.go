package engine

import "time"

// adaptivePoll paces the janitor's wakeups: it backs off exponentially from
// fast toward steady while sweeps find nothing to reap, and resets to fast
// right after a sweep does reap something (more stuck pairs are likely
// queued behind the first).
type adaptivePoll struct {
	cur, fast, steady time.Duration
}

func newAdaptivePoll(fast, steady time.Duration) *adaptivePoll {
	if fast <= 0 {
		fast = time.Second
	}
	if steady < fast {
		steady = fast
	}
	return &adaptivePoll{cur: fast, fast: fast, steady: steady}
}

// next returns the interval to wait before the next wakeup and advances the
// backoff state.
func (p *adaptivePoll) next() time.Duration {
	d := p.cur
	if p.cur < p.steady {
		p.cur *= 2
		if p.cur > p.steady {
			p.cur = p.steady
		}
	}
	return d
}

func (p *adaptivePoll) reset() { p.cur = p.fast }
