package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/mr-tron/base58"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
)

// base58Pattern matches the shape of a Solana base58 address: 32 to 44
// characters of the base58 alphabet. It is the fast schema-level reject
// used by the wire codec before any cryptographic decoding is attempted.
var base58Pattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// base64Pattern matches the transaction field's base64 envelope, with or
// without padding.
var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// decimalIntPattern matches maxAmountRequired: a non-negative decimal
// integer string, no scientific notation, leading zeros tolerated.
var decimalIntPattern = regexp.MustCompile(`^[0-9]+$`)

// IsValidBase58Address reports whether s is a well-formed Solana address:
// base58 shape and exactly 32 bytes once decoded.
func IsValidBase58Address(s string) bool {
	if !base58Pattern.MatchString(s) {
		return false
	}
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// IsValidBase64 reports whether s has the shape of base64-encoded bytes.
func IsValidBase64(s string) bool {
	return base64Pattern.MatchString(s)
}

// IsValidDecimalAmount reports whether s is a valid maxAmountRequired string.
func IsValidDecimalAmount(s string) bool {
	return s != "" && decimalIntPattern.MatchString(s)
}

// ValidateRequirements checks the schema-level invariants on a
// PaymentRequirements the server is about to emit or the client is about
// to consume.
func ValidateRequirements(r PaymentRequirements) error {
	if r.Scheme != SchemeExact {
		return NewVerificationError(apierrors.ErrUnsupportedScheme, fmt.Errorf("unsupported scheme %q", r.Scheme))
	}
	if !r.Network.IsSolana() {
		return NewVerificationError(apierrors.ErrInvalidNetwork, fmt.Errorf("unsupported network %q", r.Network))
	}
	if !IsValidDecimalAmount(r.MaxAmountRequired) {
		return NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid maxAmountRequired %q", r.MaxAmountRequired))
	}
	if !IsValidBase58Address(r.PayTo) {
		return NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid payTo %q", r.PayTo))
	}
	if !IsValidBase58Address(r.Asset) {
		return NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid asset %q", r.Asset))
	}
	if r.Extra == nil || !IsValidBase58Address(r.Extra.FeePayer) {
		return NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("extra.feePayer is required for solana"))
	}
	return nil
}

// EncodePayment base64-encodes a PaymentPayload for the X-PAYMENT header.
func EncodePayment(p PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: encode payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayment decodes and schema-validates an X-PAYMENT header value.
func DecodePayment(b64 string) (PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidPayload, err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidPayload, err)
	}
	if p.X402Version != X402Version {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidX402Version, fmt.Errorf("got version %d", p.X402Version))
	}
	if p.Scheme != SchemeExact {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidScheme, fmt.Errorf("got scheme %q", p.Scheme))
	}
	if p.Network == "" {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidNetwork, fmt.Errorf("network missing"))
	}
	if !IsValidBase64(p.Payload.Transaction) {
		return PaymentPayload{}, NewVerificationError(apierrors.ErrInvalidPayload, fmt.Errorf("payload.transaction is not base64"))
	}
	return p, nil
}

// EncodeSettleResponse base64-encodes a SettleResponse for the
// X-PAYMENT-RESPONSE header.
func EncodeSettleResponse(r SettleResponse) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("x402: encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponse(b64 string) (SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("x402: decode settle response: %w", err)
	}
	var r SettleResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return SettleResponse{}, fmt.Errorf("x402: decode settle response: %w", err)
	}
	return r, nil
}

// EncodeRequirements renders a PaymentRequirements for the 402 body; it
// is a plain structural mapping so JSON marshal does the work, exported
// mainly to keep callers from reaching into encoding/json directly and to
// give symmetry with the other Encode* functions.
func EncodeRequirements(r PaymentRequirements) ([]byte, error) {
	return json.Marshal(r)
}
