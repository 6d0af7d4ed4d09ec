package routes

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/handlers"
	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/middleware"
	"github.com/BradenHooton/ladderguard/internal/services"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// CSRF actions bound to the routes below
const (
	ActionLogin  = handlers.LoginAction
	ActionLogout = "logout"
	ActionAdmin  = "admin"
)

// Dependencies carries everything the routes need
type Dependencies struct {
	Sessions     *services.SessionService
	CSRF         *services.CSRFService
	DoubleSubmit *auth.DoubleSubmit
	Limiter      *services.RateLimitService
	Events       logger.EventSink
	Cookies      auth.CookieConfig
	Security     config.SecurityConfig
	Logger       *slog.Logger

	// GlobalRequestsPerMinute caps requests per client address once the
	// session is validated; zero disables the cap
	GlobalRequestsPerMinute int

	AuthHandler   *handlers.AuthHandler
	AdminHandler  *handlers.AdminHandler
	HealthHandler *handlers.HealthHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	sec := deps.Security

	// Login attempts per client address, on top of the per-account lockout
	loginLimit := middleware.RateLimit(deps.Limiter, middleware.Policy{
		Purpose:   services.PurposeLogin,
		Algorithm: services.AlgorithmSlidingWindow,
		Limit:     sec.LoginRateLimit,
		Window:    sec.LoginRateWindow,
		Key:       middleware.KeyByIP,
	}, deps.Events, deps.Logger)

	// Admin API: bursts of 20, one request every two seconds sustained
	adminLimit := middleware.RateLimit(deps.Limiter, middleware.Policy{
		Purpose:    "admin",
		Algorithm:  services.AlgorithmTokenBucket,
		Capacity:   20,
		RefillRate: 0.5,
		Key:        middleware.KeyByUserOrIP,
	}, deps.Events, deps.Logger)

	csrf := func(action string) func(next http.Handler) http.Handler {
		return middleware.CSRFProtection(deps.CSRF, sec.CSRFFieldName, action, deps.Logger)
	}

	// Public routes - no session required
	router.Get("/health", deps.HealthHandler.Health)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.SessionGuard(deps.Sessions, deps.Cookies, deps.Logger))
		if deps.GlobalRequestsPerMinute > 0 {
			r.Use(middleware.RateLimitByIP(deps.GlobalRequestsPerMinute))
		}

		r.Get("/auth/login", deps.AuthHandler.LoginForm)
		r.With(loginLimit, csrf(ActionLogin)).Post("/auth/login", deps.AuthHandler.Login)
		r.Get("/auth/session", deps.AuthHandler.Session)
		r.Get("/auth/csrf-token", deps.AuthHandler.CSRFToken)
		r.Get("/auth/csrf-cookie", deps.AuthHandler.CSRFCookie)

		// Signed-in users
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.With(middleware.DoubleSubmitProtection(deps.DoubleSubmit, sec.CSRFFieldName, ActionLogout, deps.Logger)).
				Post("/auth/logout", deps.AuthHandler.Logout)
		})

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(services.RoleAdmin))
			r.Use(adminLimit)
			r.Use(csrf(ActionAdmin))

			r.Post("/blocks", deps.AdminHandler.CreateBlock)
			r.Get("/blocks/{purpose}/{identifier}", deps.AdminHandler.GetBlock)
			r.Delete("/blocks/{purpose}/{identifier}", deps.AdminHandler.DeleteBlock)
			r.Get("/lockouts/{purpose}/{identifier}", deps.AdminHandler.GetLockout)
			r.Delete("/lockouts/{purpose}/{identifier}", deps.AdminHandler.DeleteLockout)
		})
	})
}
