package syncer

import "time"

// Backoff produces exponentially increasing delays: seed, seed*factor,
// seed*factor^2, ... capped at max. A success resets the sequence.
// Not safe for concurrent use; the engine owns exactly one.
type Backoff struct {
	seed   time.Duration
	factor float64
	max    time.Duration
	next   time.Duration
}

func NewBackoff(seed time.Duration, factor float64, max time.Duration) *Backoff {
	if seed <= 0 {
		seed = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if max < seed {
		max = seed
	}
	return &Backoff{seed: seed, factor: factor, max: max, next: seed}
}

// Next returns the delay to wait before the upcoming retry and advances
// the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	scaled := time.Duration(float64(b.next) * b.factor)
	if scaled > b.max || scaled < b.next {
		scaled = b.max
	}
	b.next = scaled
	return d
}

// Reset restores the delay sequence to the seed value.
func (b *Backoff) Reset() {
	b.next = b.seed
}
