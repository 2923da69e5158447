package solana

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
	"github.com/CedrosPay/x402gate/pkg/x402"
)

// fixture is a complete set of keys and derived accounts for building
// payment transactions in tests.
type fixture struct {
	client   solana.PrivateKey
	feePayer solana.PrivateKey
	payTo    solana.PublicKey
	mint     solana.PublicKey
	srcATA   solana.PublicKey
	dstATA   solana.PublicKey
}

func newFixture(t *testing.T, tokenProgram solana.PublicKey) fixture {
	t.Helper()
	client := solana.NewWallet().PrivateKey
	feePayer := solana.NewWallet().PrivateKey
	payTo := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	srcATA, err := FindAssociatedTokenAddressForProgram(client.PublicKey(), mint, tokenProgram)
	if err != nil {
		t.Fatalf("derive source ata: %v", err)
	}
	dstATA, err := FindAssociatedTokenAddressForProgram(payTo, mint, tokenProgram)
	if err != nil {
		t.Fatalf("derive destination ata: %v", err)
	}
	return fixture{
		client:   client,
		feePayer: feePayer,
		payTo:    payTo,
		mint:     mint,
		srcATA:   srcATA,
		dstATA:   dstATA,
	}
}

func (f fixture) requirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaDevnet,
		MaxAmountRequired: "1800",
		Resource:          "https://api.example.com/weather",
		PayTo:             f.payTo.String(),
		MaxTimeoutSeconds: 60,
		Asset:             f.mint.String(),
		Extra:             &x402.PaymentExtra{FeePayer: f.feePayer.PublicKey().String()},
	}
}

func (f fixture) limitInstruction() solana.Instruction {
	return computebudget.NewSetComputeUnitLimitInstruction(200_000).Build()
}

func (f fixture) priceInstruction(microLamports uint64) solana.Instruction {
	return computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build()
}

func (f fixture) transferInstruction(program solana.PublicKey, amount uint64) solana.Instruction {
	return newTransferCheckedInstruction(program, f.srcATA, f.mint, f.dstATA, f.client.PublicKey(), amount, 6)
}

func (f fixture) createATAInstruction() solana.Instruction {
	return newCreateATAInstruction(f.feePayer.PublicKey(), f.payTo, f.mint, f.dstATA, solana.TokenProgramID)
}

func (f fixture) memoInstruction() solana.Instruction {
	return solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.Meta(f.client.PublicKey()).SIGNER()},
		[]byte("gm"),
	)
}

func buildTx(t *testing.T, feePayer solana.PublicKey, instructions ...solana.Instruction) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(instructions, solana.Hash{}, solana.TransactionPayer(feePayer))
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	return tx
}

func kindOf(t *testing.T, err error) apierrors.ErrorKind {
	t.Helper()
	var verr *x402.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type %T, want *VerificationError: %v", err, err)
	}
	return verr.Kind
}

func TestValidateTransactionAccepts(t *testing.T) {
	tests := []struct {
		name    string
		program solana.PublicKey
	}{
		{name: "spl token", program: solana.TokenProgramID},
		{name: "token 2022", program: solana.Token2022ProgramID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.program)
			tx := buildTx(t, f.feePayer.PublicKey(),
				f.limitInstruction(),
				f.priceInstruction(1),
				f.transferInstruction(tt.program, 1800),
			)

			details, err := ValidateTransaction(tx, f.requirements())
			if err != nil {
				t.Fatalf("ValidateTransaction() error = %v", err)
			}
			if details.Amount != 1800 {
				t.Errorf("Amount = %d, want 1800", details.Amount)
			}
			if details.HasCreateATA {
				t.Error("HasCreateATA = true on a 3-instruction transaction")
			}
			if !details.Program.Equals(tt.program) {
				t.Errorf("Program = %s, want %s", details.Program, tt.program)
			}
			if !details.SourceATA.Equals(f.srcATA) || !details.DestinationATA.Equals(f.dstATA) {
				t.Errorf("ATAs = %s -> %s, want %s -> %s", details.SourceATA, details.DestinationATA, f.srcATA, f.dstATA)
			}
			if !details.Authority.Equals(f.client.PublicKey()) {
				t.Errorf("Authority = %s, want %s", details.Authority, f.client.PublicKey())
			}
		})
	}
}

func TestValidateTransactionWithCreateATA(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	tx := buildTx(t, f.feePayer.PublicKey(),
		f.limitInstruction(),
		f.priceInstruction(1),
		f.createATAInstruction(),
		f.transferInstruction(solana.TokenProgramID, 1800),
	)

	details, err := ValidateTransaction(tx, f.requirements())
	if err != nil {
		t.Fatalf("ValidateTransaction() error = %v", err)
	}
	if !details.HasCreateATA {
		t.Error("HasCreateATA = false on a 4-instruction transaction")
	}
}

func TestValidateTransactionRejects(t *testing.T) {
	splFixture := newFixture(t, solana.TokenProgramID)
	t2022Fixture := newFixture(t, solana.Token2022ProgramID)

	wrongOwner := solana.NewWallet().PublicKey()
	wrongMint := solana.NewWallet().PublicKey()

	tests := []struct {
		name         string
		fixture      fixture
		instructions func(f fixture) []solana.Instruction
		wantKind     apierrors.ErrorKind
	}{
		{
			name:    "two instructions",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{f.limitInstruction(), f.transferInstruction(solana.TokenProgramID, 1800)}
			},
			wantKind: apierrors.ErrInstructionsLength,
		},
		{
			name:    "five instructions",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(1), f.createATAInstruction(),
					f.transferInstruction(solana.TokenProgramID, 1800), f.memoInstruction(),
				}
			},
			wantKind: apierrors.ErrInstructionsLength,
		},
		{
			name:    "first instruction is price not limit",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.priceInstruction(1), f.limitInstruction(), f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrComputeLimitInstruction,
		},
		{
			name:    "first instruction wrong program",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.memoInstruction(), f.priceInstruction(1), f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrComputeLimitInstruction,
		},
		{
			name:    "second instruction is limit not price",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.limitInstruction(), f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrComputePriceInstruction,
		},
		{
			name:    "compute price over cap",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(6_000_000), f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrComputePriceInstructionTooHigh,
		},
		{
			name:    "compute price at cap passes other checks",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(5_000_000), f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: "",
		},
		{
			name:    "transfer is not a token program instruction",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(1), f.memoInstruction(),
				}
			},
			wantKind: apierrors.ErrNotATransferInstruction,
		},
		{
			name:    "spl transfer wrong discriminator",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				plainTransfer := solana.NewInstruction(
					solana.TokenProgramID,
					solana.AccountMetaSlice{
						solana.Meta(f.srcATA).WRITE(),
						solana.Meta(f.dstATA).WRITE(),
						solana.Meta(f.client.PublicKey()).SIGNER(),
					},
					[]byte{3, 8, 7, 0, 0, 0, 0, 0, 0},
				)
				return []solana.Instruction{f.limitInstruction(), f.priceInstruction(1), plainTransfer}
			},
			wantKind: apierrors.ErrInstructionNotSPLTransferChecked,
		},
		{
			name:    "token 2022 transfer wrong discriminator",
			fixture: t2022Fixture,
			instructions: func(f fixture) []solana.Instruction {
				plainTransfer := solana.NewInstruction(
					solana.Token2022ProgramID,
					solana.AccountMetaSlice{
						solana.Meta(f.srcATA).WRITE(),
						solana.Meta(f.dstATA).WRITE(),
						solana.Meta(f.client.PublicKey()).SIGNER(),
					},
					[]byte{3, 8, 7, 0, 0, 0, 0, 0, 0},
				)
				return []solana.Instruction{f.limitInstruction(), f.priceInstruction(1), plainTransfer}
			},
			wantKind: apierrors.ErrInstructionNotToken2022TransferChecked,
		},
		{
			name:    "transfer to wrong destination",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				other := solana.NewWallet().PublicKey()
				hijacked := newTransferCheckedInstruction(
					solana.TokenProgramID, f.srcATA, f.mint, other, f.client.PublicKey(), 1800, 6)
				return []solana.Instruction{f.limitInstruction(), f.priceInstruction(1), hijacked}
			},
			wantKind: apierrors.ErrTransferToIncorrectATA,
		},
		{
			name:    "third instruction not create ata",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(1), f.memoInstruction(),
					f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrCreateATAInstruction,
		},
		{
			name:    "create ata for wrong owner",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				bad := newCreateATAInstruction(f.feePayer.PublicKey(), wrongOwner, f.mint, f.dstATA, solana.TokenProgramID)
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(1), bad,
					f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrCreateATAIncorrectPayee,
		},
		{
			name:    "create ata for wrong mint",
			fixture: splFixture,
			instructions: func(f fixture) []solana.Instruction {
				bad := newCreateATAInstruction(f.feePayer.PublicKey(), f.payTo, wrongMint, f.dstATA, solana.TokenProgramID)
				return []solana.Instruction{
					f.limitInstruction(), f.priceInstruction(1), bad,
					f.transferInstruction(solana.TokenProgramID, 1800),
				}
			},
			wantKind: apierrors.ErrCreateATAIncorrectAsset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.fixture
			tx := buildTx(t, f.feePayer.PublicKey(), tt.instructions(f)...)
			_, err := ValidateTransaction(tx, f.requirements())
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("ValidateTransaction() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateTransaction() expected error")
			}
			if got := kindOf(t, err); got != tt.wantKind {
				t.Errorf("kind = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestValidateTransactionDeterministic(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	tx := buildTx(t, f.feePayer.PublicKey(),
		f.limitInstruction(),
		f.priceInstruction(1),
		f.transferInstruction(solana.TokenProgramID, 1800),
	)
	req := f.requirements()

	first, err := ValidateTransaction(tx, req)
	if err != nil {
		t.Fatalf("first pass error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ValidateTransaction(tx, req)
		if err != nil {
			t.Fatalf("pass %d error = %v", i, err)
		}
		if *again != *first {
			t.Fatalf("pass %d verdict %+v differs from first %+v", i, again, first)
		}
	}
}

func TestPayerFromTransaction(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	tx := buildTx(t, f.feePayer.PublicKey(),
		f.limitInstruction(),
		f.priceInstruction(1),
		f.transferInstruction(solana.TokenProgramID, 1800),
	)

	if got := PayerFromTransaction(tx); got != f.client.PublicKey().String() {
		t.Errorf("PayerFromTransaction() = %q, want %q", got, f.client.PublicKey())
	}

	// A transaction with no token instruction has no identifiable payer.
	noTransfer := buildTx(t, f.feePayer.PublicKey(), f.limitInstruction(), f.priceInstruction(1), f.memoInstruction())
	if got := PayerFromTransaction(noTransfer); got != "" {
		t.Errorf("PayerFromTransaction() = %q, want empty", got)
	}
	if got := PayerFromTransaction(nil); got != "" {
		t.Errorf("PayerFromTransaction(nil) = %q, want empty", got)
	}
}

func TestDecodeTransactionRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "!!!", "aGVsbG8="} {
		_, err := DecodeTransaction(bad)
		if err == nil {
			t.Errorf("DecodeTransaction(%q) expected error", bad)
			continue
		}
		if got := kindOf(t, err); got != apierrors.ErrInvalidTransaction {
			t.Errorf("kind = %q, want %q", got, apierrors.ErrInvalidTransaction)
		}
	}
}
