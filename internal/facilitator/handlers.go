package facilitator

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/internal/logger"
	"github.com/CedrosPay/x402gate/pkg/responders"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// maxRequestBody bounds /verify and /settle request bodies. A payment
// transaction is ~1.2KB of base64; anything near the cap is garbage.
const maxRequestBody = 64 * 1024

// handleVerify implements POST /verify.
func (h *handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}
	engine, ok := h.engines[req.PaymentRequirements.Network]
	if !ok {
		// An unknown network is still a well-formed protocol failure:
		// report it inside the response object so the caller's error
		// handling stays uniform.
		kind := apierrors.ErrInvalidNetwork
		responders.JSON(w, http.StatusOK, x402.VerifyResponse{IsValid: false, InvalidReason: &kind})
		return
	}
	resp := engine.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	responders.JSON(w, http.StatusOK, resp)
}

// handleSettle implements POST /settle.
func (h *handlers) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}
	engine, ok := h.engines[req.PaymentRequirements.Network]
	if !ok {
		kind := apierrors.ErrInvalidNetwork
		responders.JSON(w, http.StatusOK, x402.SettleResponse{
			Success:     false,
			ErrorReason: &kind,
			Network:     req.PaymentRequirements.Network,
		})
		return
	}
	resp := engine.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	responders.JSON(w, http.StatusOK, resp)
}

// handleSupported implements GET /supported: one kind per configured
// engine, each carrying the fee payer the facilitator will sign with.
func (h *handlers) handleSupported(w http.ResponseWriter, r *http.Request) {
	kinds := make([]x402.SupportedKind, 0, len(h.engines))
	for network, engine := range h.engines {
		kinds = append(kinds, x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     network,
			Extra:       &x402.PaymentExtra{FeePayer: engine.FeePayer()},
		})
	}
	responders.JSON(w, http.StatusOK, x402.SupportedResponse{Kinds: kinds})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	networks := make([]string, 0, len(h.engines))
	for network := range h.engines {
		networks = append(networks, string(network))
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"networks": networks,
	})
}

// decodeFacilitatorRequest parses the shared /verify and /settle request
// body. A false return means the response has already been written.
func (h *handlers) decodeFacilitatorRequest(w http.ResponseWriter, r *http.Request) (x402.FacilitatorRequest, bool) {
	var req x402.FacilitatorRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		log := logger.FromContext(r.Context())
		log.Debug().Err(err).Msg("facilitator.bad_request")
		responders.JSON(w, http.StatusBadRequest, map[string]any{
			"error": string(apierrors.ErrInvalidPayload),
		})
		return x402.FacilitatorRequest{}, false
	}
	return req, true
}
