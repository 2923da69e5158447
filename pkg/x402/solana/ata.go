package solana

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// FindAssociatedTokenAddressForProgram derives the ATA for (owner, mint)
// under a specific token program. solana.FindAssociatedTokenAddress
// hardcodes the classic token program, which is wrong for Token-2022
// mints, so the derivation is spelled out here.
func FindAssociatedTokenAddressForProgram(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			owner.Bytes(),
			tokenProgram.Bytes(),
			mint.Bytes(),
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive ata: %w", err)
	}
	return addr, nil
}

// MintInfo is what the builder and introspector need to know about a mint:
// which token program owns it and how many decimals it carries.
type MintInfo struct {
	Address  solana.PublicKey
	Program  solana.PublicKey
	Decimals uint8
}

// IsTokenProgram reports whether program is one of the two token programs
// this system accepts.
func IsTokenProgram(program solana.PublicKey) bool {
	return program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID)
}

// decodeMintAccount extracts decimals from raw mint account data. Both
// token programs share the classic Mint layout for the fields used here.
func decodeMintAccount(data []byte) (token.Mint, error) {
	var mint token.Mint
	if err := bin.NewBinDecoder(data).Decode(&mint); err != nil {
		return token.Mint{}, fmt.Errorf("decode mint account: %w", err)
	}
	return mint, nil
}

// newCreateATAInstruction assembles a create-associated-token-account
// instruction with an explicit token program. The upstream builder in
// solana-go pins the classic token program, so Token-2022 mints need the
// account list laid out by hand; the order is the one the ATA program
// documents: payer, ata, owner, mint, system program, token program.
func newCreateATAInstruction(payer, owner, mint, ata, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{},
	)
}
