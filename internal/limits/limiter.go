// Package limits enforces the delegate-facing spend caps of an agent.
package limits

import (
	"github.com/congo-pay/agentvault/internal/agent"
)

// DefaultSecondsPerDay sizes one epoch.
const DefaultSecondsPerDay int64 = 86_400

// Limiter evaluates spends against an account's constraints and counters.
// Counters are reset lazily: nothing runs between spends.
type Limiter struct {
	SecondsPerDay int64
}

// New returns a limiter using secondsPerDay, or the default when it is not
// positive.
func New(secondsPerDay int64) Limiter {
	if secondsPerDay <= 0 {
		secondsPerDay = DefaultSecondsPerDay
	}
	return Limiter{SecondsPerDay: secondsPerDay}
}

// Epoch returns the day index containing now. Division floors so that times
// before the Unix epoch land in negative days.
func (l Limiter) Epoch(now int64) int64 {
	d := l.SecondsPerDay
	if d <= 0 {
		d = DefaultSecondsPerDay
	}
	q := now / d
	if now%d != 0 && now < 0 {
		q--
	}
	return q
}

// Apply checks a spend of amount at time now and, if every check passes,
// advances the counters on acct. On failure acct is left unchanged. The
// caller persists acct only after the paired transfer succeeds.
func (l Limiter) Apply(acct *agent.Account, amount uint64, now int64) error {
	if acct.Frozen {
		return agent.ErrFrozen
	}
	if acct.Expired(now) {
		return agent.ErrExpired
	}

	c := acct.Constraints
	if c.MaxPerTx > 0 && amount > c.MaxPerTx {
		return &agent.LimitError{Limit: agent.LimitPerTx, Cap: c.MaxPerTx, Attempted: amount}
	}

	dailySpent, lastEpoch := acct.DailySpent, acct.LastEpoch
	if epoch := l.Epoch(now); epoch > lastEpoch {
		dailySpent, lastEpoch = 0, epoch
	}

	daily, ok := add(dailySpent, amount)
	if !ok {
		return agent.ErrOverflow
	}
	if c.DailyLimit > 0 && daily > c.DailyLimit {
		return &agent.LimitError{Limit: agent.LimitDaily, Cap: c.DailyLimit, Attempted: daily}
	}

	total, ok := add(acct.TotalSpent, amount)
	if !ok {
		return agent.ErrOverflow
	}
	if c.TotalLimit > 0 && total > c.TotalLimit {
		return &agent.LimitError{Limit: agent.LimitTotal, Cap: c.TotalLimit, Attempted: total}
	}

	acct.DailySpent = daily
	acct.TotalSpent = total
	acct.LastEpoch = lastEpoch
	return nil
}

func add(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
