package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/technosupport/ts-dispatch/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  *RateLimitConfig
}

type RateLimitConfig struct {
	GlobalIP  ratelimit.LimitConfig            `yaml:"global_ip"`
	Operator  ratelimit.LimitConfig            `yaml:"operator"`
	Endpoints map[string]ratelimit.LimitConfig `yaml:"endpoints"`
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: &c}
}

// GlobalLimiter enforces the per-IP and per-operator buckets. Limiter
// failures fail open: a stalled Redis must not take the whole console down
// with it.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := strings.Split(r.RemoteAddr, ":")[0]
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip = strings.Split(xff, ",")[0]
		}

		ipHash := m.limiter.HashIP(ip)
		key := fmt.Sprintf("rl:ip:%s", ipHash)

		decision, err := m.limiter.CheckRateLimit(r.Context(), key, m.config.GlobalIP)
		if err != nil {
			log.Printf("[RateLimit] check failed, allowing: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !decision.Allowed {
			m.writeRateLimitHeaders(w, decision)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if ac, ok := GetAuthContext(r.Context()); ok {
			opKey := fmt.Sprintf("rl:op:%s", ac.OperatorID)
			opDecision, err := m.limiter.CheckRateLimit(r.Context(), opKey, m.config.Operator)
			if err == nil && !opDecision.Allowed {
				m.writeRateLimitHeaders(w, opDecision)
				http.Error(w, "Operator rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		if limitConfig, found := m.config.Endpoints[r.URL.Path]; found {
			epKey := fmt.Sprintf("rl:ep:%s:%s", ipHash, r.URL.Path)
			epDecision, err := m.limiter.CheckRateLimit(r.Context(), epKey, limitConfig)
			if err == nil && !epDecision.Allowed {
				m.writeRateLimitHeaders(w, epDecision)
				http.Error(w, "Endpoint rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
