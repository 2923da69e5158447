// Package x402 implements the HTTP-402 payment protocol's Solana "exact"
// scheme: wire types, the price-to-atomic-amount conversion, and the
// facilitator error taxonomy shared by the transaction builder, the
// introspector, the verify/settle engine, the server middleware, and the
// client fetch wrapper.
package x402

import (
	apierrors "github.com/CedrosPay/x402gate/internal/errors"
)

// Network is the closed set of chains this implementation understands.
// Only the Solana variants carry working verify/settle logic; the EVM
// name is kept so the wire schema stays forward compatible with
// facilitators that also speak the EVM "exact" scheme.
type Network string

const (
	NetworkSolanaDevnet Network = "solana-devnet"
	NetworkSolana       Network = "solana"
	// NetworkBase is carried for wire compatibility only; this facilitator
	// never verifies or settles it.
	NetworkBase Network = "base"
)

// ChainID returns the numeric chain id used by some wire consumers
// (e.g. EIP-712-style domains for the EVM-compat fields).
func (n Network) ChainID() int {
	switch n {
	case NetworkSolanaDevnet:
		return 103
	case NetworkSolana:
		return 101
	default:
		return 0
	}
}

// IsSolana reports whether this network is one this facilitator can
// actually verify and settle.
func (n Network) IsSolana() bool {
	return n == NetworkSolanaDevnet || n == NetworkSolana
}

// Scheme is a closed constant; "exact" is the only scheme this system
// implements end to end.
const SchemeExact = "exact"

// X402Version is the current wire protocol version.
const X402Version = 1

// PaymentExtra carries scheme/network-specific side information. On
// Solana, FeePayer is mandatory: the facilitator is always the
// transaction's fee payer.
type PaymentExtra struct {
	FeePayer string `json:"feePayer,omitempty"`
}

// OutputSchema is opaque discovery metadata; this system never
// interprets it (discovery/listing endpoints are out of scope), it is
// only round-tripped.
type OutputSchema map[string]any

// PaymentRequirements is what the server demands, returned in the 402
// challenge body's "accepts" array.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           Network       `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description"`
	MimeType          string        `json:"mimeType"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
	OutputSchema      OutputSchema  `json:"outputSchema,omitempty"`
}

// ExactSVMPayload is the Solana "exact" scheme's payload shape: a single
// base64 wire transaction, partially signed by the payer.
type ExactSVMPayload struct {
	Transaction string `json:"transaction"`
}

// PaymentPayload is what the client returns via the X-PAYMENT
// header. Payload is kept as a raw struct matching the "exact" SVM
// scheme; EVM payloads are never decoded by this facilitator.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     ExactSVMPayload `json:"payload"`
}

// VerifyResponse is the facilitator's /verify response.
type VerifyResponse struct {
	IsValid       bool                 `json:"isValid"`
	InvalidReason *apierrors.ErrorKind `json:"invalidReason,omitempty"`
	Payer         string               `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle response, and
// also the value base64-encoded into the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool                 `json:"success"`
	ErrorReason *apierrors.ErrorKind `json:"errorReason,omitempty"`
	Payer       string               `json:"payer,omitempty"`
	Transaction string               `json:"transaction"`
	Network     Network              `json:"network"`
}

// SupportedKind is one entry of the facilitator's /supported response.
type SupportedKind struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     Network       `json:"network"`
	Extra       *PaymentExtra `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator's GET /supported response.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ChallengeBody is the JSON body of every 402 response.
type ChallengeBody struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts,omitempty"`
	Payer       string                `json:"payer,omitempty"`
}

// FacilitatorRequest is the shared /verify and /settle request body
// shape; both endpoints take the same pair.
type FacilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}
