package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Quota scopes. A request is counted once per caller and, after its branch is known, once
// per branch, both within the workflow it targets.
const (
	scopeCaller = "caller"
	scopeIP     = "ip"
	scopeBranch = "branch"
)

// RateLimiter counts workflow requests per key inside fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rule quotaRule) rateDecision
	Close()
}

type quotaRule struct {
	limit  int
	window time.Duration
}

func (q quotaRule) enabled() bool {
	return q.limit > 0
}

func (q quotaRule) windowOrDefault() time.Duration {
	if q.window <= 0 {
		return time.Minute
	}
	return q.window
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

func (d rateDecision) retryAfter(now time.Time) time.Duration {
	if d.windowEnd.IsZero() || !d.windowEnd.After(now) {
		return time.Second
	}
	return d.windowEnd.Sub(now).Round(time.Second)
}

// quotaKey builds "<workflow>:<scope>:<subject>".
func quotaKey(workflow, scope, subject string) string {
	return workflow + ":" + scope + ":" + subject
}

type memoryWindow struct {
	count int
	end   time.Time
}

// memoryRateLimiter keeps windows in process. Expired windows are dropped lazily.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]memoryWindow
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a process local limiter.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: map[string]memoryWindow{}, now: time.Now}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, rule quotaRule) rateDecision {
	if !rule.enabled() {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(now, rule.windowOrDefault())

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end) {
		w = memoryWindow{end: now.Add(rule.windowOrDefault())}
	}
	if w.count < rule.limit {
		w.count++
		rl.windows[key] = w
		return rateDecision{allowed: true, count: w.count, windowEnd: w.end}
	}
	return rateDecision{allowed: false, count: w.count, windowEnd: w.end}
}

func (rl *memoryRateLimiter) sweep(now time.Time, every time.Duration) {
	if now.Before(rl.nextSweep) {
		return
	}
	for key, w := range rl.windows {
		if !now.Before(w.end) {
			delete(rl.windows, key)
		}
	}
	rl.nextSweep = now.Add(every)
}

func (rl *memoryRateLimiter) Close() {}

// withRateLimit applies the per-caller quota of workflow. Anonymous callers are counted by
// client IP.
func (r *Router) withRateLimit(workflow string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || !r.callerQuota.enabled() {
			next.ServeHTTP(w, req)
			return
		}
		scope, subject := scopeIP, clientIP(req)
		if subject == "" {
			subject = "unknown"
		}
		if info, ok := callerFromContext(req.Context()); ok && info.Method != "none" && info.ID != "" {
			scope, subject = scopeCaller, info.ID
		}
		decision := r.limiter.Allow(req.Context(), quotaKey(workflow, scope, subject), r.callerQuota)
		applyRateHeaders(w, r.callerQuota.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(workflow, scope)
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.retryAfter(r.now()).Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// branchQuotaExceeded applies the per-branch quota of workflow. When the branch has used up
// its window it sets Retry-After and returns the message the handler should reply with.
func (r *Router) branchQuotaExceeded(w http.ResponseWriter, req *http.Request, workflow, branch string) (string, bool) {
	if r.limiter == nil || !r.branchQuota.enabled() {
		return "", false
	}
	decision := r.limiter.Allow(req.Context(), quotaKey(workflow, scopeBranch, branch), r.branchQuota)
	if decision.allowed {
		return "", false
	}
	r.recordRateLimitHit(workflow, scopeBranch)
	wait := decision.retryAfter(r.now())
	w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
	return fmt.Sprintf("Too many %s requests for branch '%s', retry in %s", workflow, branch, wait), true
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := max(limit-decision.count, 0)
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
