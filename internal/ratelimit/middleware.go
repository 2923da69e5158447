// Package ratelimit provides tiered rate limiting for the facilitator's
// payment endpoints: a global limiter, a per-wallet limiter keyed on the
// paying wallet decoded from the request, and a per-IP fallback.
package ratelimit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/x402gate/internal/metrics"
	"github.com/CedrosPay/x402gate/pkg/x402"
	solanax402 "github.com/CedrosPay/x402gate/pkg/x402/solana"
)

// maxPeekBytes bounds how much of a request body the wallet extractor
// will read. It matches the facilitator handlers' own body cap.
const maxPeekBytes = 64 * 1024

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-wallet rate limiting (identified by the paying wallet)
	PerWalletEnabled bool
	PerWalletLimit   int
	PerWalletWindow  time.Duration

	// Per-IP rate limiting (fallback when wallet not identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits.
// These are generous limits designed to stop obvious spam while not restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		// Global: 1000 req/min - prevents DoS
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		// Per-wallet: 60 req/min (1 req/sec avg) - prevents wallet spam
		PerWalletEnabled: true,
		PerWalletLimit:   60,
		PerWalletWindow:  1 * time.Minute,

		// Per-IP: 120 req/min (2 req/sec avg) - fallback for non-wallet requests
		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function.
// This eliminates duplication across global, per-wallet, and per-IP limiters.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_wallet":
			if identifier != "" && identifier != "all" {
				message = fmt.Sprintf("Per-wallet rate limit exceeded for %s. Please try again later.", identifier)
			} else {
				message = "Rate limit exceeded. Please try again later."
			}
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"global",
				int(cfg.GlobalWindow.Seconds()),
				nil, // No identifier extraction for global limiter
				cfg.Metrics,
			),
		),
	)
}

// WalletLimiter creates a per-wallet rate limiter middleware. The wallet
// is the payer decoded from the request's payment payload, so a single
// wallet hammering /verify from many IPs is still throttled as one
// identity. Requests with no identifiable wallet fall back to IP keying.
func WalletLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerWalletEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerWalletLimit,
		cfg.PerWalletWindow,
		httprate.WithKeyFuncs(walletKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_wallet",
				int(cfg.PerWalletWindow.Seconds()),
				ExtractWalletFromRequest,
				cfg.Metrics,
			),
		),
	)
}

// IPLimiter creates a per-IP rate limiter middleware (fallback).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// walletKeyExtractor is a httprate key func that keys requests by the
// paying wallet, falling back to IP when no wallet is identifiable.
func walletKeyExtractor(r *http.Request) (string, error) {
	wallet := ExtractWalletFromRequest(r)
	if wallet == "" {
		return httprate.KeyByIP(r)
	}
	return "wallet:" + wallet, nil
}

// ExtractWalletFromRequest attempts to extract the paying wallet from
// the request, in priority order: an explicit X-Wallet header, the payer
// of the transaction inside the X-PAYMENT header, and finally the payer
// inside a facilitator /verify or /settle JSON body. The extraction
// never consumes the body: whatever is peeked is stitched back for the
// handler.
func ExtractWalletFromRequest(r *http.Request) string {
	if wallet := r.Header.Get("X-Wallet"); wallet != "" {
		return wallet
	}
	if header := r.Header.Get("X-PAYMENT"); header != "" {
		if payload, err := x402.DecodePayment(header); err == nil {
			if payer := payerFromPayload(payload); payer != "" {
				return payer
			}
		}
	}
	return payerFromBody(r)
}

// payerFromPayload derives the paying wallet from the payload's
// transaction without validating anything else about it.
func payerFromPayload(payload x402.PaymentPayload) string {
	tx, err := solanax402.DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		return ""
	}
	return solanax402.PayerFromTransaction(tx)
}

// payerFromBody peeks a facilitator request body for the payment payload
// and restores the body so the handler still sees every byte.
func payerFromBody(r *http.Request) string {
	if r.Body == nil || r.Method != http.MethodPost {
		return ""
	}
	peeked, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body = rewoundBody{
		Reader: io.MultiReader(bytes.NewReader(peeked), r.Body),
		Closer: r.Body,
	}
	if err != nil || len(peeked) == 0 {
		return ""
	}
	var req x402.FacilitatorRequest
	if json.Unmarshal(peeked, &req) != nil {
		return ""
	}
	return payerFromPayload(req.PaymentPayload)
}

// rewoundBody re-attaches peeked bytes in front of the unread remainder.
type rewoundBody struct {
	io.Reader
	io.Closer
}
