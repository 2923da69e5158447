package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/CedrosPay/x402gate/internal/logger"
)

// Outcome classifies how a confirmation wait ended. Blockhash expiry and
// timeout are distinct signals: only the former tells the caller a retry
// with a fresh payload can ever succeed.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeFailed
	OutcomeBlockhashExpired
	OutcomeTimedOut
)

// ConfirmationResult is the terminal state of one confirmation wait.
type ConfirmationResult struct {
	Outcome   Outcome
	Signature solana.Signature
	Err       error
}

// awaitConfirmation waits for the signature to reach confirmed
// commitment, bounded by the blockhash validity window and the hard
// confirmation deadline. The subscription path is tried first; any
// subscription error other than expiry or deadline falls back to RPC
// polling so a broken websocket never loses a payment.
func (e *Engine) awaitConfirmation(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) ConfirmationResult {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmationTimeout)
	defer cancel()

	if e.subscriber != nil {
		result, err := e.confirmViaSubscription(waitCtx, signature, lastValidBlockHeight)
		if err == nil {
			return result
		}
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("signature", logger.TruncateAddress(signature.String())).
			Msg("x402.confirmation_subscription_failed")
	}
	return e.confirmViaPolling(waitCtx, signature, lastValidBlockHeight)
}

// confirmViaSubscription races the signature subscription against a
// blockhash-exceedance watcher and the deadline. A non-nil error means
// the subscription path itself broke and the caller should poll instead.
func (e *Engine) confirmViaSubscription(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (ConfirmationResult, error) {
	sub, err := e.subscriber.SignatureSubscribe(signature, rpc.CommitmentConfirmed)
	if err != nil {
		return ConfirmationResult{}, fmt.Errorf("subscribe signature: %w", err)
	}
	defer sub.Unsubscribe()

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	type recvResult struct {
		res *ws.SignatureResult
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		res, err := sub.Recv(recvCtx)
		recvCh <- recvResult{res: res, err: err}
	}()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConfirmationResult{Outcome: OutcomeTimedOut, Signature: signature}, nil
		case r := <-recvCh:
			if r.err != nil {
				if ctx.Err() != nil {
					return ConfirmationResult{Outcome: OutcomeTimedOut, Signature: signature}, nil
				}
				return ConfirmationResult{}, fmt.Errorf("wait confirmation: %w", r.err)
			}
			if r.res == nil {
				return ConfirmationResult{}, fmt.Errorf("empty confirmation result")
			}
			if r.res.Value.Err != nil {
				return ConfirmationResult{
					Outcome:   OutcomeFailed,
					Signature: signature,
					Err:       fmt.Errorf("transaction error: %v", r.res.Value.Err),
				}, nil
			}
			return ConfirmationResult{Outcome: OutcomeConfirmed, Signature: signature}, nil
		case <-ticker.C:
			expired, err := e.blockhashExpired(ctx, signature, lastValidBlockHeight)
			if err != nil {
				// The watcher is advisory inside the subscription path;
				// the subscription itself is still live.
				continue
			}
			if expired {
				return ConfirmationResult{Outcome: OutcomeBlockhashExpired, Signature: signature}, nil
			}
		}
	}
}

// confirmViaPolling polls signature status and block height until the
// transaction confirms, fails, outlives its blockhash, or the deadline
// passes.
func (e *Engine) confirmViaPolling(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) ConfirmationResult {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConfirmationResult{Outcome: OutcomeTimedOut, Signature: signature}
		case <-ticker.C:
			expired, err := e.blockhashExpired(ctx, signature, lastValidBlockHeight)
			if err == nil && expired {
				return ConfirmationResult{Outcome: OutcomeBlockhashExpired, Signature: signature}
			}

			result, err := e.rpc.GetSignatureStatuses(ctx, true, signature)
			if err != nil {
				if ctx.Err() != nil {
					return ConfirmationResult{Outcome: OutcomeTimedOut, Signature: signature}
				}
				continue
			}
			if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return ConfirmationResult{
					Outcome:   OutcomeFailed,
					Signature: signature,
					Err:       fmt.Errorf("transaction error: %v", status.Err),
				}
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return ConfirmationResult{Outcome: OutcomeConfirmed, Signature: signature}
			}
		}
	}
}

// blockhashExpired reports whether the chain has moved past the
// transaction's validity window. A confirmed transaction wins over an
// expiry observed in the same tick, so the status is checked once more
// before declaring expiry.
func (e *Engine) blockhashExpired(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (bool, error) {
	if lastValidBlockHeight == 0 {
		return false, nil
	}
	height, err := e.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return false, err
	}
	if height <= lastValidBlockHeight {
		return false, nil
	}
	result, err := e.rpc.GetSignatureStatuses(ctx, true, signature)
	if err == nil && result != nil && len(result.Value) > 0 && result.Value[0] != nil {
		switch result.Value[0].ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return false, nil
		}
	}
	return true, nil
}
