package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/metrics"
)

type RouterConfig struct {
	Verifier TokenVerifier
	Limiter  Limiter // nil disables rate limiting
	Health   func(r *http.Request) error
	Timeout  time.Duration
}

// NewRouter mounts every route. The stream route sits outside the request
// timeout since it is held open for hours.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	authenticate := Authenticate(cfg.Verifier, logger)

	r.With(authenticate).Get("/stream", h.Stream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Timeout))
		r.Use(authenticate)

		r.Route("/notifications", func(r chi.Router) {
			r.Use(RequireRole(auth.RoleAdmin))
			r.Use(RateLimitMiddleware(cfg.Limiter, logger, AdminKeyFunc))

			r.Get("/", h.ListNotifications)
			r.Get("/config", h.Config)
			r.Post("/subscribe", h.Subscribe)
			r.Post("/unsubscribe", h.Unsubscribe)
			r.Get("/{id}", h.GetNotification)
			r.Patch("/{id}/read", h.MarkRead)
			r.Patch("/{id}/handled", h.MarkHandled)
		})

		r.With(
			RequireRole(auth.RoleAdmin, auth.RoleService),
			RateLimitMiddleware(cfg.Limiter, logger, IPKeyFunc),
		).Post("/internal/orders/{orderId}/placed", h.OrderPlaced)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(req); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "Service unavailable", "")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
