package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/warp/leave-engine/apperror"
)

var errRateLimited = apperror.New("RATE_LIMITED", "Too many requests, slow down", http.StatusTooManyRequests)

// actorLimiters holds one token bucket per tenant and actor.
type actorLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newActorLimiters(r rate.Limit, b int) *actorLimiters {
	return &actorLimiters{limiters: make(map[string]*rate.Limiter), r: r, b: b}
}

func (a *actorLimiters) get(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(a.r, a.b)
		a.limiters[key] = l
	}
	return l
}

// RateLimitByActor allows r requests per second with bursts of b for each
// authenticated actor. Must run after Authenticate.
func RateLimitByActor(r rate.Limit, b int) func(http.Handler) http.Handler {
	limiters := newActorLimiters(r, b)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, ok := PrincipalFrom(req.Context())
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			if !limiters.get(p.TenantID + ":" + p.ActorID).Allow() {
				writeAppError(w, errRateLimited)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
