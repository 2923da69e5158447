package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/internal/logger"
	"github.com/CedrosPay/x402gate/internal/metrics"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// Engine is the facilitator's verify/settle pipeline for the Solana
// "exact" scheme. It holds the fee-payer wallets, decodes and validates
// payment transactions, simulates them, and submits and confirms them.
// It never returns protocol failures as errors: every known failure is
// reported as a reason inside the response object.
type Engine struct {
	rpc         RPC
	subscriber  SignatureSubscriber
	wallets     []solana.PrivateKey
	walletIndex atomic.Uint64
	metrics     *metrics.Metrics
	network     x402.Network

	confirmationTimeout time.Duration
	pollInterval        time.Duration
}

// NewEngine creates a verify/settle engine for one network. subscriber
// may be nil, in which case confirmation always uses the polling path.
func NewEngine(network x402.Network, rpcClient RPC, subscriber SignatureSubscriber, wallets []solana.PrivateKey) (*Engine, error) {
	if rpcClient == nil {
		return nil, errors.New("x402 solana: rpc client required")
	}
	if len(wallets) == 0 {
		return nil, errors.New("x402 solana: at least one fee-payer wallet required")
	}
	if !network.IsSolana() {
		return nil, fmt.Errorf("x402 solana: unsupported network %q", network)
	}
	return &Engine{
		rpc:                 rpcClient,
		subscriber:          subscriber,
		wallets:             wallets,
		network:             network,
		confirmationTimeout: x402.ConfirmationTimeout,
		pollInterval:        x402.RPCPollInterval,
	}, nil
}

// WithMetrics adds metrics collection to the engine.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Network returns the network this engine settles on.
func (e *Engine) Network() x402.Network {
	return e.network
}

// FeePayer returns the fee-payer address to advertise via /supported,
// rotating through the configured wallets to distribute load.
func (e *Engine) FeePayer() string {
	idx := e.walletIndex.Add(1) % uint64(len(e.wallets))
	return e.wallets[idx].PublicKey().String()
}

// Close zeroizes wallet key material. The engine must not be used after.
func (e *Engine) Close() {
	for i := range e.wallets {
		Zeroize(e.wallets[i])
	}
}

// findWalletByPublicKey returns the wallet matching the given public key,
// or nil if this engine does not manage it.
func (e *Engine) findWalletByPublicKey(pubkey solana.PublicKey) *solana.PrivateKey {
	for i := range e.wallets {
		if e.wallets[i].PublicKey().Equals(pubkey) {
			return &e.wallets[i]
		}
	}
	return nil
}

// Verify runs the full introspection pipeline against the payload. The
// payer is reported whenever the transaction decodes, even when the
// payload is rejected.
func (e *Engine) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) x402.VerifyResponse {
	_, _, payer, err := e.verify(ctx, payload, requirements)
	if err != nil {
		kind := x402.KindOf(err, false)
		if e.metrics != nil {
			e.metrics.ObserveVerify(string(e.network), string(kind))
		}
		log := logger.FromContext(ctx)
		log.Debug().
			Err(err).
			Str("reason", string(kind)).
			Str("payer", logger.TruncateAddress(payer)).
			Msg("x402.verify_rejected")
		return x402.VerifyResponse{IsValid: false, InvalidReason: &kind, Payer: payer}
	}
	if e.metrics != nil {
		e.metrics.ObserveVerify(string(e.network), "ok")
	}
	return x402.VerifyResponse{IsValid: true, Payer: payer}
}

// verify is the shared pipeline behind Verify and Settle. It returns the
// decoded, fee-payer-signed transaction ready for submission.
func (e *Engine) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*solana.Transaction, *TransferDetails, string, error) {
	// Scheme and network agreement comes first; nothing else is
	// meaningful across a mismatch.
	if payload.Scheme != x402.SchemeExact || requirements.Scheme != x402.SchemeExact {
		return nil, nil, "", x402.NewVerificationError(apierrors.ErrUnsupportedScheme,
			fmt.Errorf("scheme %q / %q", payload.Scheme, requirements.Scheme))
	}
	if payload.Network != requirements.Network || !requirements.Network.IsSolana() {
		return nil, nil, "", x402.NewVerificationError(apierrors.ErrInvalidNetwork,
			fmt.Errorf("network %q / %q", payload.Network, requirements.Network))
	}
	if payload.Network != e.network {
		return nil, nil, "", x402.NewVerificationError(apierrors.ErrInvalidNetwork,
			fmt.Errorf("engine settles %q, payload targets %q", e.network, payload.Network))
	}

	tx, err := DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		return nil, nil, "", err
	}
	payer := PayerFromTransaction(tx)

	details, err := ValidateTransaction(tx, requirements)
	if err != nil {
		return nil, nil, payer, err
	}

	if err := e.checkAccountExistence(ctx, details); err != nil {
		return nil, nil, payer, err
	}

	required, err := strconv.ParseUint(requirements.MaxAmountRequired, 10, 64)
	if err != nil {
		return nil, nil, payer, x402.NewVerificationError(apierrors.ErrInvalidPaymentRequirements, err)
	}
	if details.Amount != required {
		return nil, nil, payer, x402.NewVerificationError(apierrors.ErrAmountMismatch,
			fmt.Errorf("transfer amount %d != required %d", details.Amount, required))
	}

	if err := e.signAsFeePayer(tx); err != nil {
		return nil, nil, payer, err
	}
	if err := e.simulate(ctx, tx); err != nil {
		return nil, nil, payer, err
	}
	return tx, details, payer, nil
}

// checkAccountExistence fetches the source and destination token accounts
// in one round trip. The source must exist; the destination may be absent
// only when the transaction creates it.
func (e *Engine) checkAccountExistence(ctx context.Context, details *TransferDetails) error {
	result, err := e.rpc.GetMultipleAccounts(ctx, details.SourceATA, details.DestinationATA)
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrUnexpectedVerifyError, err)
	}
	if result == nil || len(result.Value) != 2 {
		return x402.NewVerificationError(apierrors.ErrUnexpectedVerifyError,
			errors.New("unexpected getMultipleAccounts result shape"))
	}
	if result.Value[0] == nil {
		return x402.NewVerificationError(apierrors.ErrSenderATANotFound,
			fmt.Errorf("sender token account %s not found", details.SourceATA))
	}
	if result.Value[1] == nil && !details.HasCreateATA {
		return x402.NewVerificationError(apierrors.ErrReceiverATANotFound,
			fmt.Errorf("receiver token account %s not found", details.DestinationATA))
	}
	return nil
}

// signAsFeePayer completes the fee-payer signature slot with the managed
// wallet named as the transaction's fee payer.
func (e *Engine) signAsFeePayer(tx *solana.Transaction) error {
	if len(tx.Message.AccountKeys) == 0 {
		return x402.NewVerificationError(apierrors.ErrInvalidTransaction,
			errors.New("transaction missing account keys"))
	}
	feePayer := tx.Message.AccountKeys[0]
	wallet := e.findWalletByPublicKey(feePayer)
	if wallet == nil {
		return x402.NewVerificationError(apierrors.ErrInvalidTransaction,
			fmt.Errorf("transaction fee payer %s is not managed by this facilitator", feePayer))
	}
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(wallet.PublicKey()) {
			return wallet
		}
		return nil
	})
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrUnexpectedVerifyError,
			fmt.Errorf("co-sign as fee payer: %w", err))
	}
	return nil
}

// simulate runs the signed transaction through RPC simulation with
// signature verification on and the payload's own blockhash.
func (e *Engine) simulate(ctx context.Context, tx *solana.Transaction) error {
	sim, err := e.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              true,
		ReplaceRecentBlockhash: false,
		Commitment:             rpc.CommitmentConfirmed,
	})
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrSimulationFailed, err)
	}
	if sim == nil || sim.Value == nil {
		return x402.NewVerificationError(apierrors.ErrSimulationFailed,
			errors.New("empty simulation result"))
	}
	if sim.Value.Err != nil {
		return x402.NewVerificationError(apierrors.ErrSimulationFailed,
			fmt.Errorf("simulation error: %v", sim.Value.Err))
	}
	return nil
}

// Settle verifies, submits, and confirms the payment. Submission is never
// retried: each signed transaction is bound to one blockhash, so a retry
// is the caller's responsibility after producing a fresh payload.
func (e *Engine) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) x402.SettleResponse {
	log := logger.FromContext(ctx)

	tx, _, payer, err := e.verify(ctx, payload, requirements)
	if err != nil {
		kind := x402.KindOf(err, false)
		if e.metrics != nil {
			e.metrics.ObserveSettle(string(e.network), string(kind))
		}
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: &kind,
			Payer:       payer,
			Transaction: "",
			Network:     requirements.Network,
		}
	}

	// The blockhash lifetime bound is read before submission; the
	// transaction's own blockhash is at most as fresh as this one, so the
	// height is a safe upper bound on its validity window.
	var lastValidBlockHeight uint64
	if latest, err := e.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed); err == nil && latest != nil {
		lastValidBlockHeight = latest.Value.LastValidBlockHeight
	}

	signature, err := e.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		kind := apierrors.ErrUnexpectedSettleError
		if e.metrics != nil {
			e.metrics.ObserveSettle(string(e.network), string(kind))
		}
		log.Error().Err(err).Str("payer", logger.TruncateAddress(payer)).Msg("x402.send_failed")
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: &kind,
			Payer:       payer,
			Transaction: "",
			Network:     requirements.Network,
		}
	}

	confirmStart := time.Now()
	outcome := e.awaitConfirmation(ctx, signature, lastValidBlockHeight)
	if e.metrics != nil {
		e.metrics.ObserveConfirmation(string(e.network), time.Since(confirmStart))
	}

	resp := x402.SettleResponse{
		Payer:       payer,
		Transaction: signature.String(),
		Network:     requirements.Network,
	}
	switch outcome.Outcome {
	case OutcomeConfirmed:
		resp.Success = true
		log.Info().
			Str("signature", logger.TruncateAddress(signature.String())).
			Str("payer", logger.TruncateAddress(payer)).
			Dur("confirmation_time_ms", time.Since(confirmStart)).
			Msg("x402.settled")
	case OutcomeBlockhashExpired:
		kind := apierrors.ErrSettleBlockHeightExceeded
		resp.ErrorReason = &kind
	case OutcomeTimedOut:
		kind := apierrors.ErrSettleConfirmationTimedOut
		resp.ErrorReason = &kind
	default:
		kind := apierrors.ErrUnexpectedSettleError
		resp.ErrorReason = &kind
		log.Error().
			Err(outcome.Err).
			Str("signature", logger.TruncateAddress(signature.String())).
			Msg("x402.confirmation_failed")
	}
	if e.metrics != nil {
		label := "ok"
		if resp.ErrorReason != nil {
			label = string(*resp.ErrorReason)
		}
		e.metrics.ObserveSettle(string(e.network), label)
	}
	return resp
}
