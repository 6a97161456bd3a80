package retry

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// BaseDelay is the wait before the first retry of a failed download.
	BaseDelay = 30 * time.Second

	// MinRetryAfter and MaxRetryAfter bound a server supplied Retry-After.
	MinRetryAfter = 30 * time.Second
	MaxRetryAfter = 24 * time.Hour

	// MaxRetries is the failure count at which a download fails for good.
	MaxRetries = 5
)

// Policy computes when a failed download becomes eligible again.
type Policy struct {
	baseDelay  time.Duration
	maxRetries int
	jitter     func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithJitter replaces the random source. fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(p *Policy) {
		p.jitter = fn
	}
}

// WithBaseDelay overrides BaseDelay.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.baseDelay = d
	}
}

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		p.maxRetries = n
	}
}

func New(opts ...Option) *Policy {
	p := &Policy{
		baseDelay:  BaseDelay,
		maxRetries: MaxRetries,
		jitter:     rand.Float64,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// MaxRetries returns the configured failure limit.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Exhausted reports whether failures has reached the retry limit.
func (p *Policy) Exhausted(failures int) bool {
	return failures >= p.maxRetries
}

// NextEligible returns the earliest time a download with the given failure
// count may run again. A fresh jitter sample is drawn on every call so that
// batches failing together do not come back together.
func (p *Policy) NextEligible(failures int, lastModified time.Time, retryAfter time.Duration) time.Time {
	if failures <= 0 {
		return lastModified
	}

	if retryAfter > 0 {
		return lastModified.Add(retryAfter)
	}

	// The shift is capped well before overflowing; MaxRetries keeps real
	// values tiny anyway.
	shift := min(failures-1, 20)
	delay := float64(p.baseDelay) * (1 + p.sample()) * float64(int64(1)<<shift)

	return lastModified.Add(time.Duration(delay))
}

// ParseRetryAfter interprets a Retry-After header value given either as delta
// seconds or as an HTTP date. The value is clamped into [MinRetryAfter,
// MaxRetryAfter], jittered by up to MinRetryAfter and truncated to
// milliseconds. ok is false when the header is absent or unparsable.
func (p *Policy) ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	var d time.Duration

	if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
		d = time.Duration(min(secs, int64(MaxRetryAfter/time.Second))) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}

	d = min(max(d, MinRetryAfter), MaxRetryAfter)
	d += time.Duration(p.sample() * float64(MinRetryAfter))

	return d.Truncate(time.Millisecond), true
}

func (p *Policy) sample() float64 {
	j := p.jitter()
	if j < 0 || j >= 1 {
		return 0
	}

	return j
}
