package client

import (
	"errors"

	"github.com/CedrosPay/x402gate/pkg/x402"
)

// Selector picks one requirement from a challenge's accepts list and the
// signer that will satisfy it.
type Selector func(accepts []x402.PaymentRequirements, signers []Signer) (x402.PaymentRequirements, Signer, error)

// ErrNoValidSigner is returned when no configured signer can satisfy any
// offered requirement.
var ErrNoValidSigner = errors.New("x402: no signer can satisfy any payment requirement")

// DefaultSelector implements the standard selection policy:
//  1. prefer Solana-network requirements a signer is compatible with;
//  2. among those, prefer requirements whose asset is the network's
//     canonical USDC mint;
//  3. otherwise keep the server's accepts order.
func DefaultSelector(accepts []x402.PaymentRequirements, signers []Signer) (x402.PaymentRequirements, Signer, error) {
	type candidate struct {
		req    x402.PaymentRequirements
		signer Signer
	}

	var signable []candidate
	for _, req := range accepts {
		for _, signer := range signers {
			if signer.CanSign(req) {
				signable = append(signable, candidate{req: req, signer: signer})
				break
			}
		}
	}
	if len(signable) == 0 {
		return x402.PaymentRequirements{}, nil, ErrNoValidSigner
	}

	for _, c := range signable {
		if usdc, ok := x402.DefaultUSDCFor(c.req.Network); ok && usdc.Address == c.req.Asset {
			return c.req, c.signer, nil
		}
	}
	return signable[0].req, signable[0].signer, nil
}
