package account

import "time"

// LockoutPolicy configures the failed-login state machine.
//
// States: open (LockedUntil nil or in the past) and locked (LockedUntil in the
// future). A failure on an expired lock starts a fresh cycle at one attempt.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks for two hours after five failures.
var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Duration: 2 * time.Hour}

// OnFailure returns the lockout state after one more failed attempt at now.
func (p LockoutPolicy) OnFailure(s LockState, now time.Time) LockState {
	if s.LockedUntil != nil && !s.LockedUntil.After(now) {
		return LockState{FailedLoginCount: 1}
	}
	next := LockState{FailedLoginCount: s.FailedLoginCount + 1, LockedUntil: s.LockedUntil}
	if next.FailedLoginCount >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}
	return next
}

// OnSuccess returns the lockout state after a successful login.
func (p LockoutPolicy) OnSuccess() LockState {
	return LockState{}
}

// Locked reports whether s refuses logins at now.
func (s LockState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}
