// Package client provides the paying side of the x402 protocol: an
// http.RoundTripper that transparently answers 402 challenges with a
// signed Solana payment and retries the request.
package client

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/CedrosPay/x402gate/pkg/x402"
	solanax402 "github.com/CedrosPay/x402gate/pkg/x402/solana"
)

// Signer produces a signed PaymentPayload for requirements it can satisfy.
type Signer interface {
	// CanSign reports whether this signer can satisfy the requirement.
	CanSign(requirements x402.PaymentRequirements) bool
	// Sign builds and signs a payment for the requirement.
	Sign(ctx context.Context, requirements x402.PaymentRequirements) (x402.PaymentPayload, error)
}

// SVMSigner signs Solana "exact" payments with a single private key,
// building transactions through the shared transaction builder.
type SVMSigner struct {
	key      solana.PrivateKey
	builder  *solanax402.Builder
	networks map[x402.Network]bool
}

// NewSVMSigner creates a signer for the given networks. The builder's
// RPC client must serve those networks.
func NewSVMSigner(key solana.PrivateKey, builder *solanax402.Builder, networks ...x402.Network) *SVMSigner {
	allowed := make(map[x402.Network]bool, len(networks))
	for _, n := range networks {
		allowed[n] = true
	}
	return &SVMSigner{key: key, builder: builder, networks: allowed}
}

// Address returns the signer's public key as a base58 string.
func (s *SVMSigner) Address() string {
	return s.key.PublicKey().String()
}

// CanSign implements Signer.
func (s *SVMSigner) CanSign(requirements x402.PaymentRequirements) bool {
	return requirements.Scheme == x402.SchemeExact &&
		requirements.Network.IsSolana() &&
		s.networks[requirements.Network]
}

// Sign implements Signer.
func (s *SVMSigner) Sign(ctx context.Context, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	return s.builder.BuildPayment(ctx, s.key, requirements)
}
