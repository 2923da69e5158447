package paywall

import (
	"context"
	"fmt"
	"net/http"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/internal/logger"
	"github.com/CedrosPay/x402gate/internal/metrics"
	"github.com/CedrosPay/x402gate/pkg/responders"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

type contextKey string

// contextKeyPayment stores the facilitator's verify response for handler
// access (payer identification, audit logs).
const contextKeyPayment contextKey = "paywall.payment"

// errHeaderRequired is the challenge error for requests with no payment.
const errHeaderRequired = "X-PAYMENT header is required"

// Gate is the paywall middleware: it matches protected routes, emits 402
// challenges, and orchestrates verify → handler → settle with the
// guarantee that settlement is skipped when the handler fails and the
// protected bytes are flushed only after settlement was attempted.
type Gate struct {
	routes       []compiledRoute
	facilitator  *FacilitatorClient
	payTo        string
	defaultToken *x402.AssetDescriptor
	metrics      *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultToken overrides the compiled-in USDC config used when a
// route prices in USD.
func WithDefaultToken(token x402.AssetDescriptor) Option {
	return func(g *Gate) { g.defaultToken = &token }
}

// WithMetrics adds metrics collection to the middleware.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate compiles the route map and builds the middleware. payTo is the
// default recipient token owner for all routes; individual routes may
// override it.
func NewGate(routes RouteMap, facilitator *FacilitatorClient, payTo string, opts ...Option) (*Gate, error) {
	if facilitator == nil {
		return nil, fmt.Errorf("paywall: facilitator client required")
	}
	if payTo == "" {
		return nil, fmt.Errorf("paywall: payTo address required")
	}
	compiled, err := compileRoutes(routes)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		routes:      compiled,
		facilitator: facilitator,
		payTo:       payTo,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// PaymentFromContext retrieves the verified payment attached by the
// middleware, if the request went through a paid route.
func PaymentFromContext(ctx context.Context) (x402.VerifyResponse, bool) {
	v, ok := ctx.Value(contextKeyPayment).(x402.VerifyResponse)
	return v, ok
}

// Middleware wraps a handler with payment gating for the configured routes.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := match(g.routes, r.Method, r.URL.EscapedPath())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		g.serve(w, r, route, next)
	})
}

func (g *Gate) serve(w http.ResponseWriter, r *http.Request, route *compiledRoute, next http.Handler) {
	log := logger.FromContext(r.Context())

	requirements, err := g.buildRequirements(r, route)
	if err != nil {
		// Misconfiguration (unresolvable price, missing feePayer in
		// /supported) is internal, never a 402.
		log.Error().Err(err).Str("path", r.URL.Path).Msg("paywall.requirements_failed")
		responders.JSON(w, http.StatusInternalServerError, map[string]any{
			"error": "payment configuration error",
		})
		return
	}
	accepts := []x402.PaymentRequirements{requirements}

	paymentHeader := r.Header.Get("X-PAYMENT")
	if paymentHeader == "" {
		if g.metrics != nil {
			g.metrics.ChallengesTotal.WithLabelValues(requirements.Resource).Inc()
		}
		g.challenge(w, r, route, x402.ChallengeBody{
			X402Version: x402.X402Version,
			Error:       errHeaderRequired,
			Accepts:     accepts,
		})
		return
	}

	payload, err := x402.DecodePayment(paymentHeader)
	if err != nil {
		g.rejected(w, r, route, string(x402.KindOf(err, false)), "", accepts)
		return
	}

	selected, ok := selectRequirements(accepts, payload)
	if !ok {
		g.rejected(w, r, route, "Unable to find matching payment requirements", "", accepts)
		return
	}

	verify, err := g.facilitator.Verify(r.Context(), payload, selected)
	if err != nil {
		log.Error().Err(err).Msg("paywall.verify_call_failed")
		g.rejected(w, r, route, err.Error(), "", accepts)
		return
	}
	if !verify.IsValid {
		reason := string(apierrors.ErrUnexpectedVerifyError)
		if verify.InvalidReason != nil {
			reason = string(*verify.InvalidReason)
		}
		g.rejected(w, r, route, reason, verify.Payer, accepts)
		return
	}

	// The handler writes into a buffer; nothing reaches the wire until
	// settlement has been decided.
	buffered := newBufferedResponseWriter()
	ctx := context.WithValue(r.Context(), contextKeyPayment, verify)
	next.ServeHTTP(buffered, r.WithContext(ctx))

	if buffered.Status() >= http.StatusBadRequest {
		// Failed upstream: forward the status verbatim and never charge.
		log.Warn().
			Int("status", buffered.Status()).
			Str("payer", logger.TruncateAddress(verify.Payer)).
			Msg("paywall.handler_failed_skipping_settle")
		if g.metrics != nil {
			g.metrics.PaymentsTotal.WithLabelValues(selected.Resource, "handler_failed").Inc()
		}
		buffered.flushTo(w, nil)
		return
	}

	settle, err := g.facilitator.Settle(r.Context(), payload, selected)
	if err != nil {
		log.Error().Err(err).Msg("paywall.settle_call_failed")
		if g.metrics != nil {
			g.metrics.PaymentsTotal.WithLabelValues(selected.Resource, "settle_error").Inc()
		}
		g.rejected(w, r, route, err.Error(), verify.Payer, accepts)
		return
	}
	if !settle.Success {
		reason := string(apierrors.ErrUnexpectedSettleError)
		if settle.ErrorReason != nil {
			reason = string(*settle.ErrorReason)
		}
		if g.metrics != nil {
			g.metrics.PaymentsTotal.WithLabelValues(selected.Resource, reason).Inc()
		}
		g.rejected(w, r, route, reason, settle.Payer, accepts)
		return
	}

	encoded, err := x402.EncodeSettleResponse(settle)
	if err != nil {
		log.Error().Err(err).Msg("paywall.encode_settle_response_failed")
		buffered.flushTo(w, nil)
		return
	}
	if g.metrics != nil {
		g.metrics.PaymentsTotal.WithLabelValues(selected.Resource, "ok").Inc()
	}
	extra := make(http.Header)
	extra.Set("X-PAYMENT-RESPONSE", encoded)
	buffered.flushTo(w, extra)
}

// buildRequirements assembles the PaymentRequirements for one request
// against one route, resolving the price and the facilitator fee payer.
func (g *Gate) buildRequirements(r *http.Request, route *compiledRoute) (x402.PaymentRequirements, error) {
	cfg := route.config
	network := cfg.Network
	if network == "" {
		network = x402.NetworkSolanaDevnet
	}

	atomic, asset, err := cfg.Price.ToAtomic(network, g.defaultToken)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}

	feePayer, err := g.facilitator.FeePayerFor(r.Context(), network)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}

	payTo := cfg.PayTo
	if payTo == "" {
		payTo = g.payTo
	}
	description := cfg.Description
	if description == "" {
		description = "Payment required for " + r.URL.Path
	}
	mimeType := cfg.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}
	timeout := cfg.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 60
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           network,
		MaxAmountRequired: atomic,
		Resource:          scheme + "://" + r.Host + r.URL.Path,
		Description:       description,
		MimeType:          mimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: timeout,
		Asset:             asset.Address,
		Extra:             &x402.PaymentExtra{FeePayer: feePayer},
		OutputSchema:      cfg.OutputSchema,
	}, nil
}

// selectRequirements picks the requirement matching the payload's scheme
// and network.
func selectRequirements(accepts []x402.PaymentRequirements, payload x402.PaymentPayload) (x402.PaymentRequirements, bool) {
	for _, req := range accepts {
		if req.Scheme == payload.Scheme && req.Network == payload.Network {
			return req, true
		}
	}
	return x402.PaymentRequirements{}, false
}

// challenge writes the 402 response: an opaque HTML paywall for
// browsers, the JSON challenge body otherwise.
func (g *Gate) challenge(w http.ResponseWriter, r *http.Request, route *compiledRoute, body x402.ChallengeBody) {
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(renderPaywallHTML(route.config.PaywallHTML, body)))
		return
	}
	responders.JSON(w, http.StatusPaymentRequired, body)
}

// rejected emits the 402 for a failed payment attempt, keeping the
// accepts list so the client can retry with a corrected payload.
func (g *Gate) rejected(w http.ResponseWriter, r *http.Request, route *compiledRoute, reason, payer string, accepts []x402.PaymentRequirements) {
	g.challenge(w, r, route, x402.ChallengeBody{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
		Payer:       payer,
	})
}
