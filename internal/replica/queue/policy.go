package queue

import (
	"slices"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// Policy controls retry backoff and update throttling.
type Policy struct {
	// BaseBackoff is the delay before the first retry. Each further retry
	// doubles it.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// MaxRetries is how many times a transient failure is retried before the
	// mutation fails terminally.
	MaxRetries int
	// ThrottleWindow delays updates of ThrottledTypes so rapid edits merge
	// into one submission.
	ThrottleWindow time.Duration
	// ThrottledTypes lists entity types whose updates are throttled.
	ThrottledTypes []schema.EntityType
}

// DefaultPolicy returns the default policy: 500ms base backoff doubling up
// to 30s, 5 retries, and a 500ms throttle on user profile updates.
func DefaultPolicy() Policy {
	return Policy{
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxRetries:     5,
		ThrottleWindow: 500 * time.Millisecond,
		ThrottledTypes: []schema.EntityType{schema.TypeUser},
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = max(d.MaxBackoff, p.BaseBackoff)
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.ThrottleWindow < 0 {
		p.ThrottleWindow = 0
	}
	return p
}

// Backoff returns the delay before retry number n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

func (p Policy) throttled(t schema.EntityType) bool {
	return p.ThrottleWindow > 0 && slices.Contains(p.ThrottledTypes, t)
}
