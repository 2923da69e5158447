package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// fakeSubscription feeds one canned result (or error) to Recv.
type fakeSubscription struct {
	result *ws.SignatureResult
	err    error
}

func (s *fakeSubscription) Recv(ctx context.Context) (*ws.SignatureResult, error) {
	if s.err != nil || s.result != nil {
		return s.result, s.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSubscription) Unsubscribe() {}

type fakeSubscriber struct {
	sub          SignatureSubscription
	subscribeErr error
}

func (s *fakeSubscriber) SignatureSubscribe(signature solana.Signature, commitment rpc.CommitmentType) (SignatureSubscription, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return s.sub, nil
}

func confirmedResult() *ws.SignatureResult {
	return &ws.SignatureResult{}
}

func failedResult() *ws.SignatureResult {
	res := &ws.SignatureResult{}
	res.Value.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	return res
}

func TestAwaitConfirmationViaSubscription(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	var sig solana.Signature
	sig[0] = 7

	tests := []struct {
		name       string
		subscriber SignatureSubscriber
		rpc        *fakeRPC
		want       Outcome
	}{
		{
			name:       "confirmed over subscription",
			subscriber: &fakeSubscriber{sub: &fakeSubscription{result: confirmedResult()}},
			rpc:        &fakeRPC{lastValid: 500},
			want:       OutcomeConfirmed,
		},
		{
			name:       "on-chain failure over subscription",
			subscriber: &fakeSubscriber{sub: &fakeSubscription{result: failedResult()}},
			rpc:        &fakeRPC{lastValid: 500},
			want:       OutcomeFailed,
		},
		{
			name:       "blockhash watcher wins",
			subscriber: &fakeSubscriber{sub: &fakeSubscription{}},
			rpc:        &fakeRPC{lastValid: 500, blockHeight: 501},
			want:       OutcomeBlockhashExpired,
		},
		{
			name:       "deadline over subscription",
			subscriber: &fakeSubscriber{sub: &fakeSubscription{}},
			rpc:        &fakeRPC{lastValid: 500, blockHeight: 100},
			want:       OutcomeTimedOut,
		},
		{
			name:       "broken websocket falls back to polling",
			subscriber: &fakeSubscriber{subscribeErr: errors.New("no websocket")},
			rpc: &fakeRPC{
				lastValid: 500,
				status:    &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			},
			want: OutcomeConfirmed,
		},
		{
			name:       "recv error falls back to polling",
			subscriber: &fakeSubscriber{sub: &fakeSubscription{err: errors.New("connection reset")}},
			rpc: &fakeRPC{
				lastValid: 500,
				status:    &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized},
			},
			want: OutcomeConfirmed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(
				"solana-devnet", tt.rpc, tt.subscriber, []solana.PrivateKey{f.feePayer})
			if err != nil {
				t.Fatalf("NewEngine() error = %v", err)
			}
			engine.pollInterval = 5 * time.Millisecond
			engine.confirmationTimeout = 150 * time.Millisecond

			result := engine.awaitConfirmation(context.Background(), sig, 500)
			if result.Outcome != tt.want {
				t.Errorf("outcome = %v, want %v (err=%v)", result.Outcome, tt.want, result.Err)
			}
			if result.Signature != sig {
				t.Errorf("signature = %s, want %s", result.Signature, sig)
			}
		})
	}
}
