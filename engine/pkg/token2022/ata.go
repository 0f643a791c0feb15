package token2022

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// FindAssociatedTokenAddress derives the associated token account for a wallet
// and mint under the given token program. The SDK's helper hardcodes the
// classic token program in the derivation seeds, which yields the wrong
// address for Token-2022 mints.
func FindAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			wallet.Bytes(),
			tokenProgram.Bytes(),
			mint.Bytes(),
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address: %w", err)
	}
	return addr, nil
}

// NewCreateAssociatedTokenAccountIdempotentInstruction builds a CreateIdempotent
// instruction for the associated token account program, parameterized by token
// program so it works for both classic and Token-2022 mints. CreateIdempotent
// is a no-op when the account already exists, which makes resubmission safe.
func NewCreateAssociatedTokenAccountIdempotentInstruction(payer, wallet, mint, tokenProgram solana.PublicKey) (solana.Instruction, solana.PublicKey, error) {
	ata, err := FindAssociatedTokenAddress(wallet, mint, tokenProgram)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(wallet),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(tokenProgram),
	}

	// Instruction tag 1 = CreateIdempotent.
	data := []byte{1}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, data), ata, nil
}
