package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/CedrosPay/x402gate/internal/cacheutil"
	"github.com/CedrosPay/x402gate/internal/circuitbreaker"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// FacilitatorClient talks to the facilitator's /verify, /settle, and
// /supported endpoints on behalf of the middleware. The /supported
// response is cached for a short TTL: a stale feePayer would invalidate
// already-signed payloads, so the TTL must stay well under any fee-payer
// key rotation interval.
type FacilitatorClient struct {
	baseURL  string
	client   *http.Client
	breakers *circuitbreaker.Manager

	supportedTTL time.Duration
	mu           sync.RWMutex
	supported    cacheutil.CachedValue[x402.SupportedResponse]
	hasSupported bool
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
// breakers may be nil.
func NewFacilitatorClient(baseURL string, breakers *circuitbreaker.Manager) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		client: &http.Client{
			// Settle blocks on on-chain confirmation; leave headroom over
			// the facilitator's own 60s confirmation deadline.
			Timeout: 90 * time.Second,
		},
		breakers:     breakers,
		supportedTTL: x402.SupportedCacheTTL,
	}
}

// Verify asks the facilitator to validate the payment without settling it.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	err := c.post(ctx, "verify", payload, requirements, &resp)
	return resp, err
}

// Settle asks the facilitator to submit and confirm the payment.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	var resp x402.SettleResponse
	err := c.post(ctx, "settle", payload, requirements, &resp)
	return resp, err
}

// Supported returns the facilitator's supported payment kinds, serving
// from the TTL cache when fresh.
func (c *FacilitatorClient) Supported(ctx context.Context) (x402.SupportedResponse, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) (x402.SupportedResponse, bool) {
			if c.hasSupported && now.Sub(c.supported.FetchedAt) < c.supportedTTL {
				return c.supported.Value, true
			}
			return x402.SupportedResponse{}, false
		},
		func(now time.Time) (x402.SupportedResponse, error) {
			out, err := c.do(ctx, http.MethodGet, "supported", nil)
			if err != nil {
				return x402.SupportedResponse{}, err
			}
			var resp x402.SupportedResponse
			if err := json.Unmarshal(out, &resp); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("decode supported response: %w", err)
			}
			c.supported = cacheutil.CachedValue[x402.SupportedResponse]{Value: resp, FetchedAt: now}
			c.hasSupported = true
			return resp, nil
		},
	)
}

// FeePayerFor picks the fee payer from the first supported kind matching
// the exact scheme on the given network. Absence is a misconfiguration
// the caller must surface as an internal error, not a 402.
func (c *FacilitatorClient) FeePayerFor(ctx context.Context, network x402.Network) (string, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return "", err
	}
	for _, kind := range supported.Kinds {
		if kind.Scheme == x402.SchemeExact && kind.Network == network {
			if kind.Extra == nil || kind.Extra.FeePayer == "" {
				return "", fmt.Errorf("facilitator advertises %s without a feePayer", network)
			}
			return kind.Extra.FeePayer, nil
		}
	}
	return "", fmt.Errorf("facilitator does not support scheme %q on network %q", x402.SchemeExact, network)
}

func (c *FacilitatorClient) post(ctx context.Context, verb string, payload x402.PaymentPayload, requirements x402.PaymentRequirements, out any) error {
	body, err := json.Marshal(x402.FacilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", verb, err)
	}
	raw, err := c.do(ctx, http.MethodPost, verb, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", verb, err)
	}
	return nil
}

// do executes one facilitator request behind the circuit breaker and
// returns the response body. Non-200 statuses become the protocol's
// "Failed to <verb> payment" error shape.
func (c *FacilitatorClient) do(ctx context.Context, method, verb string, body []byte) ([]byte, error) {
	out, err := c.execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+verb, reader)
		if err != nil {
			return nil, fmt.Errorf("create %s request: %w", verb, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call facilitator %s: %w", verb, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", verb, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("Failed to %s payment: %d %s", verb, resp.StatusCode, bytes.TrimSpace(raw))
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *FacilitatorClient) execute(fn func() (any, error)) (any, error) {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(circuitbreaker.ServiceFacilitator, fn)
}
