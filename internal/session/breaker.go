package session

import "time"

// Breaker tuning. A domain that fails this many times in a row stops
// receiving pooled sessions until the cooldown passes.
const (
	breakerThreshold = 10
	breakerCooldown  = 30 * time.Minute
)

// breaker is a per-domain failure circuit. Callers hold the pool lock.
type breaker struct {
	consecutive int
	openedAt    time.Time
}

func (b *breaker) recordFailure(at time.Time) bool {
	b.consecutive++
	if b.consecutive >= breakerThreshold && b.openedAt.IsZero() {
		b.openedAt = at
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.consecutive = 0
	b.openedAt = time.Time{}
}

func (b *breaker) open(at time.Time) bool {
	if b.openedAt.IsZero() {
		return false
	}
	if at.Sub(b.openedAt) >= breakerCooldown {
		// Cooldown elapsed; half-open. The next failure reopens immediately.
		b.openedAt = time.Time{}
		b.consecutive = breakerThreshold - 1
		return false
	}
	return true
}
