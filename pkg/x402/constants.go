package x402

import "time"

// Confirmation timing.
const (
	// ConfirmationTimeout is the hard deadline on settlement confirmation;
	// expiry surfaces as ErrSettleConfirmationTimedOut rather than a hang.
	ConfirmationTimeout = 60 * time.Second

	// RPCPollInterval is how often the polling fallback checks
	// getSignatureStatuses/getBlockHeight when the subscription path is
	// unavailable.
	RPCPollInterval = 1 * time.Second
)

// Fee parameter bounds.
const (
	// FixedComputeUnitPrice is what an honest client builder always sets;
	// anything above ComputeUnitPriceCap is an abuse attempt.
	FixedComputeUnitPrice uint64 = 1

	// ComputeUnitPriceCap is the facilitator's hard cap on microLamports/CU,
	// enforced by the introspector regardless of what the client set.
	ComputeUnitPriceCap uint64 = 5_000_000
)

// SupportedCacheTTL bounds how long the paywall middleware's facilitator
// client caches a facilitator's /supported response before re-fetching
// it. It must stay well under any fee-payer rotation
// interval: a stale feePayer invalidates already-signed payloads.
const SupportedCacheTTL = 30 * time.Second
