package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func limitedRequest(t *testing.T, mw func(http.Handler) http.Handler, org *store.Org) int {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/orgs/x/jobs", nil)
	if org != nil {
		req = req.WithContext(NewContextWithOrg(req.Context(), org))
	}
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimitMiddleware()
	org := &store.Org{ID: uuid.New(), RateLimit: 1, RateLimitBurst: 2}

	// The burst is spent, then requests bounce with 429.
	for i := 0; i < 2; i++ {
		if code := limitedRequest(t, mw, org); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, code, http.StatusOK)
		}
	}
	if code := limitedRequest(t, mw, org); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", code, http.StatusTooManyRequests)
	}
}

func TestRateLimitMiddlewarePerOrg(t *testing.T) {
	mw := RateLimitMiddleware()
	throttled := &store.Org{ID: uuid.New(), RateLimit: 1, RateLimitBurst: 1}
	other := &store.Org{ID: uuid.New(), RateLimit: 1, RateLimitBurst: 1}

	if code := limitedRequest(t, mw, throttled); code != http.StatusOK {
		t.Fatalf("status = %d, want %d", code, http.StatusOK)
	}
	if code := limitedRequest(t, mw, throttled); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", code, http.StatusTooManyRequests)
	}

	// Another org has its own bucket.
	if code := limitedRequest(t, mw, other); code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
}

func TestRateLimitMiddlewareUnlimited(t *testing.T) {
	mw := RateLimitMiddleware()
	org := &store.Org{ID: uuid.New(), RateLimit: 0}

	for i := 0; i < 20; i++ {
		if code := limitedRequest(t, mw, org); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddlewareRequiresOrg(t *testing.T) {
	mw := RateLimitMiddleware()

	if code := limitedRequest(t, mw, nil); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestGetOrCreateLimiterExpiry(t *testing.T) {
	limiters := &sync.Map{}

	first := getOrCreateLimiter(limiters, "org", 10, 10, time.Minute)
	if again := getOrCreateLimiter(limiters, "org", 10, 10, time.Minute); again != first {
		t.Error("expected the cached limiter inside the ttl")
	}

	expired := getOrCreateLimiter(limiters, "stale", 10, 10, -time.Second)
	if fresh := getOrCreateLimiter(limiters, "stale", 10, 10, time.Minute); fresh == expired {
		t.Error("expected a fresh limiter after the ttl lapsed")
	}
}
