package solana

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// Instruction discriminators. Compute-budget instructions are tagged by
// their first data byte; TransferChecked shares the same tag across both
// token programs.
const (
	computeUnitLimitDiscriminator byte = 2
	computeUnitPriceDiscriminator byte = 3
	transferCheckedDiscriminator  byte = 12
)

// TransferDetails is the introspector's digest of a payment transaction:
// everything the settle engine still needs to check against the chain.
type TransferDetails struct {
	Program        solana.PublicKey
	Amount         uint64
	Decimals       uint8
	SourceATA      solana.PublicKey
	DestinationATA solana.PublicKey
	Authority      solana.PublicKey
	HasCreateATA   bool
}

// DecodeTransaction decodes the base64 wire form of a payment transaction.
func DecodeTransaction(b64 string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(b64)
	if err != nil {
		return nil, x402.NewVerificationError(apierrors.ErrInvalidTransaction, err)
	}
	return tx, nil
}

// PayerFromTransaction derives the payer (the TransferChecked authority)
// from a decoded transaction. It is best-effort: the result is reported
// even for payloads that fail later validation so logs can identify the
// offender, and an empty string means no token instruction was found.
func PayerFromTransaction(tx *solana.Transaction) string {
	if tx == nil {
		return ""
	}
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		program := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if !IsTokenProgram(program) {
			continue
		}
		// TransferChecked accounts: source, mint, destination, authority.
		if len(inst.Accounts) < 4 {
			continue
		}
		authorityIndex := int(inst.Accounts[3])
		if authorityIndex >= len(tx.Message.AccountKeys) {
			continue
		}
		return tx.Message.AccountKeys[authorityIndex].String()
	}
	return ""
}

// ValidateTransaction runs the template checks on a decoded transaction
// against the payment requirements: instruction count and ordering, the
// compute-budget pair, the optional create-ATA, the TransferChecked shape,
// and the destination derivation. Account existence, the amount match,
// and simulation stay with the settle engine because they consult the
// chain; everything here is a pure function of the transaction and the
// requirements.
func ValidateTransaction(tx *solana.Transaction, requirements x402.PaymentRequirements) (*TransferDetails, error) {
	instructions := tx.Message.Instructions
	if len(instructions) != 3 && len(instructions) != 4 {
		return nil, x402.NewVerificationError(apierrors.ErrInstructionsLength,
			fmt.Errorf("expected 3 or 4 instructions, got %d", len(instructions)))
	}

	if err := validateComputeLimitInstruction(tx, instructions[0]); err != nil {
		return nil, err
	}
	if err := validateComputePriceInstruction(tx, instructions[1]); err != nil {
		return nil, err
	}

	hasCreateATA := len(instructions) == 4
	transferIndex := 2
	if hasCreateATA {
		if err := validateCreateATAInstruction(tx, instructions[2], requirements); err != nil {
			return nil, err
		}
		transferIndex = 3
	}

	details, err := validateTransferInstruction(tx, instructions[transferIndex], requirements)
	if err != nil {
		return nil, err
	}
	details.HasCreateATA = hasCreateATA
	return details, nil
}

// validateComputeLimitInstruction checks instruction[0]: compute-budget
// program, discriminator 2, parseable as SetComputeUnitLimit.
func validateComputeLimitInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	program, err := programOf(tx, inst)
	if err != nil || !program.Equals(solana.ComputeBudget) {
		return x402.NewVerificationError(apierrors.ErrComputeLimitInstruction,
			errors.New("first instruction is not a compute-budget instruction"))
	}
	if len(inst.Data) < 1 || inst.Data[0] != computeUnitLimitDiscriminator {
		return x402.NewVerificationError(apierrors.ErrComputeLimitInstruction,
			errors.New("first instruction is not SetComputeUnitLimit"))
	}
	decoded, err := decodeComputeBudget(tx, inst)
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrComputeLimitInstruction, err)
	}
	if _, ok := decoded.Impl.(*computebudget.SetComputeUnitLimit); !ok {
		return x402.NewVerificationError(apierrors.ErrComputeLimitInstruction,
			errors.New("first instruction did not parse as SetComputeUnitLimit"))
	}
	return nil
}

// validateComputePriceInstruction checks instruction[1]: compute-budget
// program, discriminator 3, parseable as SetComputeUnitPrice, and the
// anti-abuse cap on microLamports.
func validateComputePriceInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	program, err := programOf(tx, inst)
	if err != nil || !program.Equals(solana.ComputeBudget) {
		return x402.NewVerificationError(apierrors.ErrComputePriceInstruction,
			errors.New("second instruction is not a compute-budget instruction"))
	}
	if len(inst.Data) < 1 || inst.Data[0] != computeUnitPriceDiscriminator {
		return x402.NewVerificationError(apierrors.ErrComputePriceInstruction,
			errors.New("second instruction is not SetComputeUnitPrice"))
	}
	decoded, err := decodeComputeBudget(tx, inst)
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrComputePriceInstruction, err)
	}
	price, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return x402.NewVerificationError(apierrors.ErrComputePriceInstruction,
			errors.New("second instruction did not parse as SetComputeUnitPrice"))
	}
	if price.MicroLamports > x402.ComputeUnitPriceCap {
		return x402.NewVerificationError(apierrors.ErrComputePriceInstructionTooHigh,
			fmt.Errorf("compute unit price %d exceeds cap %d", price.MicroLamports, x402.ComputeUnitPriceCap))
	}
	return nil
}

// validateCreateATAInstruction checks the optional third instruction:
// ATA program create whose owner is the payee and whose mint is the asset.
// Account layout: payer, ata, owner, mint, system program, token program.
func validateCreateATAInstruction(tx *solana.Transaction, inst solana.CompiledInstruction, requirements x402.PaymentRequirements) error {
	program, err := programOf(tx, inst)
	if err != nil || !program.Equals(solana.SPLAssociatedTokenAccountProgramID) {
		return x402.NewVerificationError(apierrors.ErrCreateATAInstruction,
			errors.New("third instruction is not a create associated token account instruction"))
	}
	// Create has empty data; newer clients emit a one-byte discriminator
	// (0 = Create, 1 = CreateIdempotent). Anything longer is not a create.
	if len(inst.Data) > 1 || (len(inst.Data) == 1 && inst.Data[0] > 1) {
		return x402.NewVerificationError(apierrors.ErrCreateATAInstruction,
			errors.New("third instruction data does not parse as create"))
	}
	if len(inst.Accounts) < 6 {
		return x402.NewVerificationError(apierrors.ErrCreateATAInstruction,
			errors.New("create ata instruction has too few accounts"))
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return x402.NewVerificationError(apierrors.ErrCreateATAInstruction, err)
	}
	if accounts[2].PublicKey.String() != requirements.PayTo {
		return x402.NewVerificationError(apierrors.ErrCreateATAIncorrectPayee,
			fmt.Errorf("create ata owner %s is not the payee", accounts[2].PublicKey))
	}
	if accounts[3].PublicKey.String() != requirements.Asset {
		return x402.NewVerificationError(apierrors.ErrCreateATAIncorrectAsset,
			fmt.Errorf("create ata mint %s is not the asset", accounts[3].PublicKey))
	}
	return nil
}

// validateTransferInstruction checks the final instruction: a
// TransferChecked of one of the two token programs, destined for the
// ATA derived from the requirements under that same program.
func validateTransferInstruction(tx *solana.Transaction, inst solana.CompiledInstruction, requirements x402.PaymentRequirements) (*TransferDetails, error) {
	program, err := programOf(tx, inst)
	if err != nil || !IsTokenProgram(program) {
		return nil, x402.NewVerificationError(apierrors.ErrNotATransferInstruction,
			errors.New("transfer instruction is not a token program instruction"))
	}

	// The program choice picks the parser and the reject reason.
	notTransferKind := apierrors.ErrInstructionNotSPLTransferChecked
	if program.Equals(solana.Token2022ProgramID) {
		notTransferKind = apierrors.ErrInstructionNotToken2022TransferChecked
	}

	if len(inst.Data) < 1 || inst.Data[0] != transferCheckedDiscriminator {
		return nil, x402.NewVerificationError(notTransferKind,
			errors.New("instruction is not TransferChecked"))
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return nil, x402.NewVerificationError(notTransferKind, err)
	}
	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return nil, x402.NewVerificationError(notTransferKind, err)
	}
	transfer, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return nil, x402.NewVerificationError(notTransferKind,
			errors.New("instruction did not parse as TransferChecked"))
	}
	if transfer.Amount == nil || transfer.Decimals == nil {
		return nil, x402.NewVerificationError(notTransferKind,
			errors.New("TransferChecked missing amount or decimals"))
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return nil, x402.NewVerificationError(apierrors.ErrInvalidPaymentRequirements, err)
	}
	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return nil, x402.NewVerificationError(apierrors.ErrInvalidPaymentRequirements, err)
	}
	expectedDstATA, err := FindAssociatedTokenAddressForProgram(payTo, mint, program)
	if err != nil {
		return nil, x402.NewVerificationError(apierrors.ErrInvalidPaymentRequirements, err)
	}

	destination := transfer.GetDestinationAccount().PublicKey
	if !destination.Equals(expectedDstATA) {
		return nil, x402.NewVerificationError(apierrors.ErrTransferToIncorrectATA,
			fmt.Errorf("transfer destination %s is not the payee's token account %s", destination, expectedDstATA))
	}

	return &TransferDetails{
		Program:        program,
		Amount:         *transfer.Amount,
		Decimals:       *transfer.Decimals,
		SourceATA:      transfer.GetSourceAccount().PublicKey,
		DestinationATA: destination,
		Authority:      transfer.GetOwnerAccount().PublicKey,
	}, nil
}

func programOf(tx *solana.Transaction, inst solana.CompiledInstruction) (solana.PublicKey, error) {
	if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, errors.New("program id index out of range")
	}
	return tx.Message.AccountKeys[inst.ProgramIDIndex], nil
}

func decodeComputeBudget(tx *solana.Transaction, inst solana.CompiledInstruction) (*computebudget.Instruction, error) {
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return nil, err
	}
	return computebudget.DecodeInstruction(accounts, inst.Data)
}
