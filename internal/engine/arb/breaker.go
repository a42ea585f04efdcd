package arb

import "time"

// failureBreaker keeps the engine out of ANALYZING after a run of placement
// failures. Venues that reject every order in a row are usually telling us
// something (margin, bans, symbol halts); hammering them makes it worse.
type failureBreaker struct {
	threshold int
	cooldown  time.Duration

	consecutive int
	openUntil   time.Time
}

func newFailureBreaker(threshold int, cooldown time.Duration) *failureBreaker {
	return &failureBreaker{threshold: threshold, cooldown: cooldown}
}

// RecordFailure counts a failed dispatch and opens the breaker once the run
// reaches the threshold. While open, further failures extend the cooldown.
func (b *failureBreaker) RecordFailure(now time.Time) {
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
}

// RecordSuccess closes the breaker and resets the run.
func (b *failureBreaker) RecordSuccess() {
	b.consecutive = 0
	b.openUntil = time.Time{}
}

// Open reports whether entries are currently suppressed.
func (b *failureBreaker) Open(now time.Time) bool {
	return now.Before(b.openUntil)
}

// Consecutive is the current failure run length.
func (b *failureBreaker) Consecutive() int {
	return b.consecutive
}
