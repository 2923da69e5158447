package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/CedrosPay/x402gate/pkg/x402"
)

// DefaultMaxAtomic caps what a payment may cost unless the caller raises
// it: 100 000 atomic units, i.e. 0.1 USDC.
var DefaultMaxAtomic = big.NewInt(100_000)

// ErrAmountExceeded is returned when the selected requirement asks for
// more than the transport's configured maximum.
var ErrAmountExceeded = errors.New("Payment amount exceeds maximum allowed")

// Transport is an http.RoundTripper that answers 402 challenges. On a
// 402 it parses the accepts list, selects a requirement, signs a payment
// bounded by MaxAtomic, and retries the request once with the X-PAYMENT
// header attached. Any other response passes through verbatim.
type Transport struct {
	// Base is the underlying RoundTripper; http.DefaultTransport when nil.
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []Signer

	// Selector picks the requirement and signer; DefaultSelector when nil.
	Selector Selector

	// MaxAtomic bounds the payment amount; DefaultMaxAtomic when nil.
	MaxAtomic *big.Int
}

// NewHTTPClient wraps signers into a ready-to-use *http.Client.
func NewHTTPClient(signers ...Signer) *http.Client {
	return &http.Client{Transport: &Transport{Signers: signers}}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := parseChallenge(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	selector := t.Selector
	if selector == nil {
		selector = DefaultSelector
	}
	requirement, signer, err := selector(challenge.Accepts, t.Signers)
	if err != nil {
		return nil, err
	}

	maxAtomic := t.MaxAtomic
	if maxAtomic == nil {
		maxAtomic = DefaultMaxAtomic
	}
	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("x402: invalid amount %q in requirement", requirement.MaxAmountRequired)
	}
	if amount.Cmp(maxAtomic) > 0 {
		return nil, ErrAmountExceeded
	}

	payload, err := signer.Sign(req.Context(), requirement)
	if err != nil {
		return nil, fmt.Errorf("x402: sign payment: %w", err)
	}
	header, err := x402.EncodePayment(payload)
	if err != nil {
		return nil, fmt.Errorf("x402: encode payment: %w", err)
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("x402: rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("X-PAYMENT", header)
	retry.Header.Set("Access-Control-Expose-Headers", "X-PAYMENT-RESPONSE")

	return base.RoundTrip(retry)
}

// parseChallenge reads the 402 body as a challenge with accepts.
func parseChallenge(resp *http.Response) (x402.ChallengeBody, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return x402.ChallengeBody{}, fmt.Errorf("x402: read challenge body: %w", err)
	}
	var challenge x402.ChallengeBody
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return x402.ChallengeBody{}, fmt.Errorf("x402: parse challenge body: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return x402.ChallengeBody{}, errors.New("x402: challenge carries no payment requirements")
	}
	return challenge, nil
}

// SettlementFromResponse decodes the X-PAYMENT-RESPONSE header from a
// paid response, when present.
func SettlementFromResponse(resp *http.Response) (x402.SettleResponse, bool) {
	header := resp.Header.Get("X-PAYMENT-RESPONSE")
	if header == "" {
		return x402.SettleResponse{}, false
	}
	settle, err := x402.DecodeSettleResponse(header)
	if err != nil {
		return x402.SettleResponse{}, false
	}
	return settle, true
}
