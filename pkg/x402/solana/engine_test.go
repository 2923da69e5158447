package solana

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// fakeRPC is a deterministic RPC collaborator for engine tests.
type fakeRPC struct {
	accounts     map[solana.PublicKey]*rpc.Account
	simulateErr  any
	sendSig      solana.Signature
	sendErr      error
	sendCalls    int
	blockHeight  uint64
	lastValid    uint64
	status        *rpc.SignatureStatusesResult
	statusAfter   int // confirm only after this many status polls
	statusCalls   int
	unitsConsumed uint64
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	acct, ok := f.accounts[account]
	if !ok || acct == nil {
		return &rpc.GetAccountInfoResult{}, nil
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func (f *fakeRPC) GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error) {
	out := &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(accounts))}
	for i, key := range accounts {
		out.Value[i] = f.accounts[key]
	}
	return out, nil
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{1},
			LastValidBlockHeight: f.lastValid,
		},
	}, nil
}

func (f *fakeRPC) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return f.blockHeight, nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.statusCalls++
	if f.status == nil || f.statusCalls <= f.statusAfter {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.status}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return f.sendSig, nil
}

func (f *fakeRPC) SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	result := &rpc.SimulateTransactionResult{Err: f.simulateErr}
	if f.unitsConsumed > 0 {
		units := f.unitsConsumed
		result.UnitsConsumed = &units
	}
	return &rpc.SimulateTransactionResponse{Value: result}, nil
}

// payload signs and wire-encodes a transaction built from the fixture's
// instructions, the way a paying client would.
func (f fixture) payload(t *testing.T, instructions ...solana.Instruction) x402.PaymentPayload {
	t.Helper()
	tx := buildTx(t, f.feePayer.PublicKey(), instructions...)
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(f.client.PublicKey()) {
			return &f.client
		}
		return nil
	})
	if err != nil {
		t.Fatalf("partial sign: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Payload:     x402.ExactSVMPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
	}
}

func (f fixture) standardPayload(t *testing.T, amount uint64) x402.PaymentPayload {
	return f.payload(t,
		f.limitInstruction(),
		f.priceInstruction(1),
		f.transferInstruction(solana.TokenProgramID, amount),
	)
}

func newTestEngine(t *testing.T, f fixture, rpcClient RPC) *Engine {
	t.Helper()
	engine, err := NewEngine(x402.NetworkSolanaDevnet, rpcClient, nil, []solana.PrivateKey{f.feePayer})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	engine.pollInterval = 5 * time.Millisecond
	engine.confirmationTimeout = 250 * time.Millisecond
	return engine
}

func bothATAsExist(f fixture) map[solana.PublicKey]*rpc.Account {
	return map[solana.PublicKey]*rpc.Account{
		f.srcATA: {Owner: solana.TokenProgramID},
		f.dstATA: {Owner: solana.TokenProgramID},
	}
}

func TestEngineVerify(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)

	tests := []struct {
		name     string
		payload  func() x402.PaymentPayload
		mutate   func(*fakeRPC, *x402.PaymentRequirements)
		wantKind apierrors.ErrorKind
	}{
		{
			name:    "valid payment",
			payload: func() x402.PaymentPayload { return f.standardPayload(t, 1800) },
		},
		{
			name:    "scheme mismatch",
			payload: func() x402.PaymentPayload { p := f.standardPayload(t, 1800); p.Scheme = "lazy"; return p },
			wantKind: apierrors.ErrUnsupportedScheme,
		},
		{
			name:    "network mismatch",
			payload: func() x402.PaymentPayload { p := f.standardPayload(t, 1800); p.Network = x402.NetworkSolana; return p },
			wantKind: apierrors.ErrInvalidNetwork,
		},
		{
			name: "undecodable transaction",
			payload: func() x402.PaymentPayload {
				p := f.standardPayload(t, 1800)
				p.Payload.Transaction = base64.StdEncoding.EncodeToString([]byte("junk"))
				return p
			},
			wantKind: apierrors.ErrInvalidTransaction,
		},
		{
			name:     "underpay",
			payload:  func() x402.PaymentPayload { return f.standardPayload(t, 1799) },
			wantKind: apierrors.ErrAmountMismatch,
		},
		{
			name:     "overpay",
			payload:  func() x402.PaymentPayload { return f.standardPayload(t, 1801) },
			wantKind: apierrors.ErrAmountMismatch,
		},
		{
			name:    "sender ata missing",
			payload: func() x402.PaymentPayload { return f.standardPayload(t, 1800) },
			mutate: func(r *fakeRPC, _ *x402.PaymentRequirements) {
				delete(r.accounts, f.srcATA)
			},
			wantKind: apierrors.ErrSenderATANotFound,
		},
		{
			name:    "receiver ata missing without create",
			payload: func() x402.PaymentPayload { return f.standardPayload(t, 1800) },
			mutate: func(r *fakeRPC, _ *x402.PaymentRequirements) {
				delete(r.accounts, f.dstATA)
			},
			wantKind: apierrors.ErrReceiverATANotFound,
		},
		{
			name: "receiver ata missing with create",
			payload: func() x402.PaymentPayload {
				return f.payload(t,
					f.limitInstruction(),
					f.priceInstruction(1),
					f.createATAInstruction(),
					f.transferInstruction(solana.TokenProgramID, 1800),
				)
			},
			mutate: func(r *fakeRPC, _ *x402.PaymentRequirements) {
				delete(r.accounts, f.dstATA)
			},
		},
		{
			name:    "simulation failure",
			payload: func() x402.PaymentPayload { return f.standardPayload(t, 1800) },
			mutate: func(r *fakeRPC, _ *x402.PaymentRequirements) {
				r.simulateErr = map[string]any{"InstructionError": []any{0, "Custom"}}
			},
			wantKind: apierrors.ErrSimulationFailed,
		},
		{
			name:    "fee price abuse",
			payload: func() x402.PaymentPayload {
				return f.payload(t,
					f.limitInstruction(),
					f.priceInstruction(6_000_000),
					f.transferInstruction(solana.TokenProgramID, 1800),
				)
			},
			wantKind: apierrors.ErrComputePriceInstructionTooHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcClient := &fakeRPC{accounts: bothATAsExist(f)}
			req := f.requirements()
			if tt.mutate != nil {
				tt.mutate(rpcClient, &req)
			}
			engine := newTestEngine(t, f, rpcClient)

			resp := engine.Verify(context.Background(), tt.payload(), req)
			if tt.wantKind == "" {
				if !resp.IsValid {
					t.Fatalf("Verify() invalid, reason = %v", resp.InvalidReason)
				}
				if resp.Payer != f.client.PublicKey().String() {
					t.Errorf("Payer = %q, want %q", resp.Payer, f.client.PublicKey())
				}
				return
			}
			if resp.IsValid {
				t.Fatal("Verify() valid, want rejection")
			}
			if resp.InvalidReason == nil || *resp.InvalidReason != tt.wantKind {
				t.Errorf("InvalidReason = %v, want %q", resp.InvalidReason, tt.wantKind)
			}
		})
	}
}

func TestEngineVerifyReportsPayerOnRejection(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	rpcClient := &fakeRPC{accounts: bothATAsExist(f)}
	engine := newTestEngine(t, f, rpcClient)

	resp := engine.Verify(context.Background(), f.standardPayload(t, 1799), f.requirements())
	if resp.IsValid {
		t.Fatal("Verify() valid, want rejection")
	}
	if resp.Payer != f.client.PublicKey().String() {
		t.Errorf("Payer = %q, want offender %q", resp.Payer, f.client.PublicKey())
	}
}

func TestEngineRejectsUnmanagedFeePayer(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	rpcClient := &fakeRPC{accounts: bothATAsExist(f)}
	stranger := solana.NewWallet().PrivateKey
	engine, err := NewEngine(x402.NetworkSolanaDevnet, rpcClient, nil, []solana.PrivateKey{stranger})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	resp := engine.Verify(context.Background(), f.standardPayload(t, 1800), f.requirements())
	if resp.IsValid {
		t.Fatal("Verify() valid for a fee payer this facilitator does not manage")
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != apierrors.ErrInvalidTransaction {
		t.Errorf("InvalidReason = %v, want %q", resp.InvalidReason, apierrors.ErrInvalidTransaction)
	}
}

func TestEngineSettle(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	var sig solana.Signature
	copy(sig[:], []byte("settlement-signature-fixture...................................."))

	tests := []struct {
		name      string
		rpc       func() *fakeRPC
		wantKind  apierrors.ErrorKind
		wantSig   bool
		wantSends int
	}{
		{
			name: "confirmed",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:  bothATAsExist(f),
					sendSig:   sig,
					lastValid: 500,
					status:    &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
				}
			},
			wantSig:   true,
			wantSends: 1,
		},
		{
			name: "finalized counts as confirmed",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:  bothATAsExist(f),
					sendSig:   sig,
					lastValid: 500,
					status:    &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized},
				}
			},
			wantSig:   true,
			wantSends: 1,
		},
		{
			name: "confirmed after a few polls",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:    bothATAsExist(f),
					sendSig:     sig,
					lastValid:   500,
					status:      &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
					statusAfter: 3,
				}
			},
			wantSig:   true,
			wantSends: 1,
		},
		{
			name: "blockhash expired",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:    bothATAsExist(f),
					sendSig:     sig,
					lastValid:   500,
					blockHeight: 501,
				}
			},
			wantKind:  apierrors.ErrSettleBlockHeightExceeded,
			wantSig:   true,
			wantSends: 1,
		},
		{
			name: "confirmation timed out",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:    bothATAsExist(f),
					sendSig:     sig,
					lastValid:   500,
					blockHeight: 400,
				}
			},
			wantKind:  apierrors.ErrSettleConfirmationTimedOut,
			wantSig:   true,
			wantSends: 1,
		},
		{
			name: "on-chain failure",
			rpc: func() *fakeRPC {
				return &fakeRPC{
					accounts:  bothATAsExist(f),
					sendSig:   sig,
					lastValid: 500,
					status: &rpc.SignatureStatusesResult{
						Err:                map[string]any{"InstructionError": []any{2, "Custom"}},
						ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
					},
				}
			},
			wantKind:  apierrors.ErrUnexpectedSettleError,
			wantSig:   true,
			wantSends: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcClient := tt.rpc()
			engine := newTestEngine(t, f, rpcClient)

			resp := engine.Settle(context.Background(), f.standardPayload(t, 1800), f.requirements())
			if tt.wantKind == "" {
				if !resp.Success {
					t.Fatalf("Settle() failed, reason = %v", resp.ErrorReason)
				}
			} else {
				if resp.Success {
					t.Fatal("Settle() succeeded, want failure")
				}
				if resp.ErrorReason == nil || *resp.ErrorReason != tt.wantKind {
					t.Errorf("ErrorReason = %v, want %q", resp.ErrorReason, tt.wantKind)
				}
			}
			if tt.wantSig && resp.Transaction != sig.String() {
				t.Errorf("Transaction = %q, want %q", resp.Transaction, sig)
			}
			if rpcClient.sendCalls != tt.wantSends {
				t.Errorf("sendCalls = %d, want %d (no submit retries)", rpcClient.sendCalls, tt.wantSends)
			}
			if resp.Payer != f.client.PublicKey().String() {
				t.Errorf("Payer = %q, want %q", resp.Payer, f.client.PublicKey())
			}
		})
	}
}

func TestEngineSettleSkipsSubmitOnInvalidPayload(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	rpcClient := &fakeRPC{accounts: bothATAsExist(f)}
	engine := newTestEngine(t, f, rpcClient)

	resp := engine.Settle(context.Background(), f.standardPayload(t, 1799), f.requirements())
	if resp.Success {
		t.Fatal("Settle() succeeded on an amount mismatch")
	}
	if resp.Transaction != "" {
		t.Errorf("Transaction = %q, want empty before submission", resp.Transaction)
	}
	if rpcClient.sendCalls != 0 {
		t.Errorf("sendCalls = %d, want 0", rpcClient.sendCalls)
	}
}
