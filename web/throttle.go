package web

import (
	"strconv"
	"sync"
	"time"
)

// signInThrottle backs off repeated failed sign-ins for one phone number
// before the identity provider's own rate limit is hit.
type signInThrottle struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures   = 5
	baseLockout   = 1 * time.Minute
	maxLockout    = 15 * time.Minute
	attemptExpiry = 1 * time.Hour
)

func newSignInThrottle() *signInThrottle {
	return &signInThrottle{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether phone is locked out and for how long.
func (t *signInThrottle) check(phone string) (blocked bool, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[phone]
	if !ok {
		return false, 0
	}
	now := t.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(t.attempts, phone)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure applies exponential backoff once maxFailures is reached.
func (t *signInThrottle) recordFailure(phone string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[phone]
	if !ok {
		rec = &attemptRecord{}
		t.attempts[phone] = rec
	}
	rec.failures++
	rec.lastFailure = t.now()

	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (t *signInThrottle) recordSuccess(phone string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, phone)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func retryAfterMessage(d time.Duration) string {
	return "too many failed sign-in attempts, try again in " + retryAfterSeconds(d) + " seconds"
}
