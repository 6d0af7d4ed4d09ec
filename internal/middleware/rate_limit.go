package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/services"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// KeyFunc picks the identifier a policy limits on
type KeyFunc func(r *http.Request, rc models.RequestContext) string

// KeyByIP limits per client address
func KeyByIP(_ *http.Request, rc models.RequestContext) string {
	return rc.IP
}

// KeyByUserOrIP limits signed-in users by user ID and everyone else by address
func KeyByUserOrIP(r *http.Request, rc models.RequestContext) string {
	if rec := auth.GetSessionFromContext(r.Context()); rec.Authenticated() {
		return "user:" + rec.UserID
	}
	return "ip:" + rc.IP
}

// Policy describes one rate limit. Limit and Window apply to the fixed and
// sliding window algorithms; Capacity, RefillRate (tokens per second) and
// Cost to the token bucket.
type Policy struct {
	Purpose    string
	Algorithm  string
	Limit      int
	Window     time.Duration
	Capacity   int
	RefillRate float64
	Cost       float64
	Key        KeyFunc
}

// RateLimit consults the block list and then the policy's algorithm. The
// X-RateLimit-* headers are set on every response; rejected requests get 429
// with Retry-After.
func RateLimit(limiter *services.RateLimitService, policy Policy, events logger.EventSink, log *slog.Logger) func(http.Handler) http.Handler {
	if policy.Key == nil {
		policy.Key = KeyByIP
	}
	if policy.Cost <= 0 {
		policy.Cost = 1
	}
	if events == nil {
		events = logger.DiscardSink{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc := requestContext(r)
			identifier := policy.Key(r, rc)

			if err := limiter.CheckBlock(ctx, rc, policy.Purpose, identifier); err != nil {
				metrics.RateDecision(services.AlgorithmBlockList, policy.Purpose, metrics.OutcomeBlocked)

				event := logger.NewEvent(logger.EventBlockedRequest, logger.SeverityWarning, rc.Time())
				event.Purpose = policy.Purpose
				event.Identifier = identifier
				event.IPAddress = rc.IP
				var guard *models.GuardError
				if errors.As(err, &guard) {
					event.Reason = guard.Reason
				}
				events.Emit(ctx, event)

				writeGuardError(w, r, err)
				return
			}

			var d models.RateDecision
			switch policy.Algorithm {
			case services.AlgorithmTokenBucket:
				d = limiter.TakeTokenDecision(ctx, rc, policy.Purpose, identifier, policy.Capacity, policy.RefillRate, policy.Cost)
			case services.AlgorithmSlidingWindow:
				d = limiter.SlidingWindowDecision(ctx, rc, policy.Purpose, identifier, policy.Limit, policy.Window)
			default:
				d = limiter.CheckAndRecordDecision(ctx, rc, policy.Purpose, identifier, policy.Limit, policy.Window)
			}

			pkghttp.SetRateLimitHeaders(w, d.Limit, d.Remaining, d.ResetAt, d.Window)
			if err := d.Err(rc.Time()); err != nil {
				log.Warn("rate limit exceeded",
					slog.String("purpose", policy.Purpose),
					slog.String("algorithm", policy.Algorithm),
					slog.String("ip_address", rc.IP))
				writeGuardError(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP is a coarse in-process flood guard. It runs after
// SessionGuard and in front of the store-backed limits, and keys on the
// proxy-aware client address.
func RateLimitByIP(requestsPerMinute int) func(next http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return requestContext(r).IP, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateDecision("flood_guard", "global", metrics.OutcomeRejected)
			pkghttp.WriteTooManyRequests(w, "Too many requests. Please try again later.", time.Minute)
		}),
	)
}
