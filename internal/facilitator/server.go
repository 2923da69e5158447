// Package facilitator exposes the verify/settle engine over HTTP: the
// POST /verify, POST /settle, and GET /supported endpoints consumed by
// resource servers.
package facilitator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402gate/internal/config"
	"github.com/CedrosPay/x402gate/internal/logger"
	"github.com/CedrosPay/x402gate/internal/metrics"
	"github.com/CedrosPay/x402gate/internal/ratelimit"
	"github.com/CedrosPay/x402gate/pkg/x402"
	solanax402 "github.com/CedrosPay/x402gate/pkg/x402/solana"
)

// Server wires the facilitator handlers, middleware, and engines.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	engines map[x402.Network]*solanax402.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the facilitator HTTP server with the configured router.
func New(cfg *config.Config, engines map[x402.Network]*solanax402.Engine, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			engines: engines,
			metrics: metricsCollector,
			logger:  appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router, cfg, appLogger)
	return s
}

func (s *Server) configureRouter(router chi.Router, cfg *config.Config, appLogger zerolog.Logger) {
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-PAYMENT-RESPONSE"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Get("/supported", s.handleSupported)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			limits := rateLimitConfig(cfg, s.metrics)
			r.Use(ratelimit.GlobalLimiter(limits))
			r.Use(ratelimit.WalletLimiter(limits))
			r.Use(ratelimit.IPLimiter(limits))
		}
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
	})
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, then zeroizes engine key material.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	for _, engine := range s.engines {
		engine.Close()
	}
	return err
}

// rateLimitConfig maps the application config onto the tiered limiter
// settings, falling back to the package defaults for unset limits.
func rateLimitConfig(cfg *config.Config, m *metrics.Metrics) ratelimit.Config {
	limits := ratelimit.DefaultConfig()
	limits.Metrics = m
	if cfg.RateLimit.GlobalPerMinute > 0 {
		limits.GlobalLimit = cfg.RateLimit.GlobalPerMinute
		limits.GlobalWindow = time.Minute
	}
	if cfg.RateLimit.PerWalletPerMinute > 0 {
		limits.PerWalletLimit = cfg.RateLimit.PerWalletPerMinute
		limits.PerWalletWindow = time.Minute
	}
	if cfg.RateLimit.PerIPPerMinute > 0 {
		limits.PerIPLimit = cfg.RateLimit.PerIPPerMinute
		limits.PerIPWindow = time.Minute
	}
	return limits
}

// securityHeadersMiddleware sets conservative defaults on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
