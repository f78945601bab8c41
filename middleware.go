package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/taskhub/internal/token"
	"golang.org/x/time/rate"
)

type contextKey int

const identityKey contextKey = 0

// CallerIdentity is the verified identity attached to a request by the
// bearer-auth middleware. Handlers pass its SubjectID explicitly into policy
// checks; nothing downstream reaches back into the framework for an ambient
// "current user".
type CallerIdentity struct {
	SubjectID string
	Email     string
	Role      string
}

// identityFrom returns the caller identity set by BearerAuth.
func identityFrom(ctx context.Context) (CallerIdentity, bool) {
	id, ok := ctx.Value(identityKey).(CallerIdentity)
	return id, ok
}

// BearerAuth is the per-request session gateway: it extracts the bearer
// token, verifies it as an access credential and attaches the identity to
// the request context. Any verification failure short-circuits with 401
// before handler logic runs.
func (a *App) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Bearer token required")
			return
		}
		claims, err := a.Issuer.Verify(raw, token.KindAccess)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		caller := CallerIdentity{SubjectID: claims.Subject, Email: claims.Email, Role: claims.Role}
		ctx := context.WithValue(r.Context(), identityKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-identity rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: map[string]*rate.Limiter{},
	}
}

func (rl *RateLimiter) getLimiter(subjectID string, limitPerMinute int) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[subjectID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[subjectID]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(limitPerMinute)/60, limitPerMinute)
			rl.limiters[subjectID] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit middleware enforces rate limits per authenticated identity.
// Anonymous requests pass through.
func (a *App) RateLimit(next http.Handler) http.Handler {
	if a.rateLimiter == nil {
		a.rateLimiter = NewRateLimiter()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := identityFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		limiter := a.rateLimiter.getLimiter(caller.SubjectID, a.RateLimitPerMinute)
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		subject := "anonymous"
		if caller, ok := identityFrom(r.Context()); ok {
			subject = caller.SubjectID
		}

		log.Printf("[%s] %s %s %d %v (subject: %s)", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, duration, subject)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
