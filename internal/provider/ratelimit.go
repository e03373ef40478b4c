package provider

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"
)

// rateLimited spaces out calls to a provider that caps requests per second.
type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so Invoke waits for a token first. rps <= 0 returns p
// unchanged.
func RateLimited(p Provider, rps float64) Provider {
	if rps <= 0 {
		return p
	}
	burst := int(math.Max(1, math.Ceil(rps)))
	return &rateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: waiting for rate limit: %w", r.Name(), ErrTimeout)
		}
		return nil, fmt.Errorf("%s: waiting for rate limit: %w", r.Name(), err)
	}
	return r.Provider.Invoke(ctx, req)
}
