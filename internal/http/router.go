package http

import (
	"log/slog"
	"time"

	"github.com/circlely/server/internal/auth"
	"github.com/circlely/server/internal/http/handlers"
	"github.com/circlely/server/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries everything NewRouter wires together
type RouterConfig struct {
	Auth    *handlers.AuthHandler
	Friends *handlers.FriendsHandler
	Health  *handlers.HealthHandler

	JWT *auth.JWTService
	Log *slog.Logger

	AllowedOrigins []string
	// TrustProxy mounts chi's RealIP so a fronting proxy's headers set the client address.
	TrustProxy bool

	// OTPLimiter guards the endpoints that send a code; VerifyLimiter guards /verify-otp.
	OTPLimiter    *middleware.RateLimiter
	VerifyLimiter *middleware.RateLimiter
}

// DefaultLimiters returns the per-IP limiters used in production:
// 10 code requests and 20 verifications per 10 minutes.
func DefaultLimiters() (otp, verify *middleware.RateLimiter) {
	return middleware.NewRateLimiter(10*time.Minute, 10), middleware.NewRateLimiter(10*time.Minute, 20)
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", cfg.Health.ServeHTTP)

	r.Post("/signup", cfg.Auth.HandleSignup)
	r.Post("/reset-password", cfg.Auth.HandleResetPassword)
	r.Post("/refresh-token", cfg.Auth.HandleRefresh)
	r.Post("/logout", cfg.Auth.HandleLogout)

	r.Group(func(r chi.Router) {
		if cfg.OTPLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(cfg.OTPLimiter, middleware.GetIPKey))
		}
		r.Post("/login", cfg.Auth.HandleLogin)
		r.Post("/forgot-password", cfg.Auth.HandleForgotPassword)
	})

	r.Group(func(r chi.Router) {
		if cfg.VerifyLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(cfg.VerifyLimiter, middleware.GetIPKey))
		}
		r.Post("/verify-otp", cfg.Auth.HandleVerifyOTP)
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWT, cfg.Log))

		r.Get("/auth-user", cfg.Auth.HandleMe)
		r.Post("/change-password", cfg.Auth.HandleChangePassword)

		r.Get("/users/{id}", cfg.Friends.HandleGetUser)
		r.Get("/search/users/{query}", cfg.Friends.HandleSearchUsers)

		r.Route("/friends", func(r chi.Router) {
			r.Get("/", cfg.Friends.HandleListFriends)
			r.Get("/pending", cfg.Friends.HandleListPending)
			r.Post("/request", cfg.Friends.HandleSendRequest)
			r.Post("/accept", cfg.Friends.HandleAcceptRequest)
			r.Post("/cancel", cfg.Friends.HandleCancelRequest)
		})
	})

	return r
}
