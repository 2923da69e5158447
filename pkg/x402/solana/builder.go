package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/CedrosPay/x402gate/internal/rpcutil"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// defaultComputeUnitLimit is used when simulation yields no usable
// compute-unit estimate.
const defaultComputeUnitLimit uint32 = 200_000

// computeUnitHeadroom is added on top of the simulated estimate so minor
// on-chain state drift between build and settle does not starve the
// transaction of compute.
const computeUnitHeadroom uint32 = 5_000

// Builder constructs partially-signed payment transactions on behalf of a
// paying client. The fee payer is always the facilitator named in the
// requirements; the client signs only the transfer authority slot.
type Builder struct {
	rpc RPC
}

// NewBuilder creates a transaction builder backed by the given RPC client.
func NewBuilder(rpcClient RPC) *Builder {
	return &Builder{rpc: rpcClient}
}

// FetchMint resolves the mint's owning token program and decimals.
// Mints owned by anything other than the two token programs are rejected.
func (b *Builder) FetchMint(ctx context.Context, asset string) (MintInfo, error) {
	mintKey, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return MintInfo{}, fmt.Errorf("invalid asset address: %w", err)
	}
	account, err := b.rpc.GetAccountInfo(ctx, mintKey)
	if err != nil {
		return MintInfo{}, fmt.Errorf("fetch mint account: %w", err)
	}
	if account == nil || account.Value == nil {
		return MintInfo{}, fmt.Errorf("mint account %s not found", asset)
	}
	program := account.Value.Owner
	if !IsTokenProgram(program) {
		return MintInfo{}, fmt.Errorf("asset %s was not created by a known token program", asset)
	}
	mint, err := decodeMintAccount(account.Value.Data.GetBinary())
	if err != nil {
		return MintInfo{}, err
	}
	return MintInfo{Address: mintKey, Program: program, Decimals: mint.Decimals}, nil
}

// BuildPayment builds, signs, and wraps a transfer transaction satisfying
// the requirements into a PaymentPayload. Instruction ordering is fixed:
// SetComputeUnitLimit, SetComputeUnitPrice, optional create-ATA, then
// TransferChecked.
func (b *Builder) BuildPayment(ctx context.Context, signer solana.PrivateKey, requirements x402.PaymentRequirements) (x402.PaymentPayload, error) {
	if err := x402.ValidateRequirements(requirements); err != nil {
		return x402.PaymentPayload{}, err
	}
	if requirements.Extra == nil || requirements.Extra.FeePayer == "" {
		return x402.PaymentPayload{}, errors.New("feePayer is required")
	}
	feePayer, err := solana.PublicKeyFromBase58(requirements.Extra.FeePayer)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid feePayer address: %w", err)
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid payTo address: %w", err)
	}
	amount, err := strconv.ParseUint(requirements.MaxAmountRequired, 10, 64)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount %q: %w", requirements.MaxAmountRequired, err)
	}

	mint, err := b.FetchMint(ctx, requirements.Asset)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	owner := signer.PublicKey()
	srcATA, err := FindAssociatedTokenAddressForProgram(owner, mint.Address, mint.Program)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	dstATA, err := FindAssociatedTokenAddressForProgram(payTo, mint.Address, mint.Program)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	// The recipient may not have a token account yet; in that case the
	// facilitator funds its creation as part of the same transaction.
	needsCreate, err := b.accountMissing(ctx, dstATA)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	instructions := make([]solana.Instruction, 0, 3)
	instructions = append(instructions,
		computebudget.NewSetComputeUnitPriceInstruction(x402.FixedComputeUnitPrice).Build(),
	)
	if needsCreate {
		instructions = append(instructions,
			newCreateATAInstruction(feePayer, payTo, mint.Address, dstATA, mint.Program),
		)
	}
	instructions = append(instructions,
		newTransferCheckedInstruction(mint.Program, srcATA, mint.Address, dstATA, owner, amount, mint.Decimals),
	)

	blockhash, err := rpcutil.WithRetry(ctx, func() (*rpc.GetLatestBlockhashResult, error) {
		return b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	recent := blockhash.Value.Blockhash

	limit, err := b.estimateComputeUnits(ctx, instructions, recent, feePayer)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	// Prepend the limit so the final ordering is limit, price, create?, transfer.
	final := append([]solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(limit).Build(),
	}, instructions...)

	tx, err := solana.NewTransaction(final, recent, solana.TransactionPayer(feePayer))
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("build transaction: %w", err)
	}

	// Partial sign: only the transfer authority. The fee-payer slot stays
	// empty until the facilitator co-signs at settle time.
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("serialize transaction: %w", err)
	}

	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     requirements.Network,
		Payload: x402.ExactSVMPayload{
			Transaction: base64.StdEncoding.EncodeToString(txBytes),
		},
	}, nil
}

// BuildPaymentHeader builds a payment and returns the base64 X-PAYMENT
// header value.
func (b *Builder) BuildPaymentHeader(ctx context.Context, signer solana.PrivateKey, requirements x402.PaymentRequirements) (string, error) {
	payload, err := b.BuildPayment(ctx, signer, requirements)
	if err != nil {
		return "", err
	}
	return x402.EncodePayment(payload)
}

// accountMissing reports whether the account does not exist on chain.
func (b *Builder) accountMissing(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := b.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		if isAccountNotFoundError(err) {
			return true, nil
		}
		return false, fmt.Errorf("fetch account %s: %w", account, err)
	}
	return info == nil || info.Value == nil, nil
}

// estimateComputeUnits simulates the instruction set to size the compute
// unit limit, falling back to a fixed default when the simulation gives
// no usable number.
func (b *Builder) estimateComputeUnits(ctx context.Context, instructions []solana.Instruction, blockhash solana.Hash, feePayer solana.PublicKey) (uint32, error) {
	probe, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return 0, fmt.Errorf("build probe transaction: %w", err)
	}
	sim, err := b.rpc.SimulateTransactionWithOpts(ctx, probe, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentConfirmed,
	})
	if err != nil || sim == nil || sim.Value == nil || sim.Value.UnitsConsumed == nil || *sim.Value.UnitsConsumed == 0 {
		return defaultComputeUnitLimit, nil
	}
	units := *sim.Value.UnitsConsumed + uint64(computeUnitHeadroom)
	if units > uint64(^uint32(0)) {
		return defaultComputeUnitLimit, nil
	}
	return uint32(units), nil
}

// newTransferCheckedInstruction assembles a TransferChecked under an
// explicit token program. The solana-go token builder pins the classic
// program id, so the wire layout (discriminator 12, u64 amount, u8
// decimals) is produced directly; it is identical for Token-2022.
func newTransferCheckedInstruction(program, source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = transferCheckedDiscriminator
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(
		program,
		solana.AccountMetaSlice{
			solana.Meta(source).WRITE(),
			solana.Meta(mint),
			solana.Meta(destination).WRITE(),
			solana.Meta(owner).SIGNER(),
		},
		data,
	)
}
