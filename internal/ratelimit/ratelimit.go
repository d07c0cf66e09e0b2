// Package ratelimit shares token buckets across every caller of the same
// upstream model. Workers holding the same (provider, model) pair draw
// from one bucket, so per-job parallelism never multiplies the request
// rate seen by the provider.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kgraph/internal/logging"
)

// DefaultRPM is used when a caller passes a non-positive budget.
const DefaultRPM = 60

// Registry hands out limiters keyed by provider and model.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*rate.Limiter)}
}

// For returns the shared limiter for the given provider and model,
// creating it on first use with the given requests-per-minute budget.
// Later calls with a different rpm get the existing limiter unchanged;
// the first caller fixes the budget.
func (r *Registry) For(provider, model string, rpm int) *rate.Limiter {
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	key := provider + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.buckets[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	r.buckets[key] = l
	logging.API("rate limiter created for %s (%d rpm)", key, rpm)
	return l
}
