// Package token2022 builds the Token-2022 transfer-fee extension instructions
// the engine needs. The upstream SDK only ships builders for the classic token
// program, so the extension instructions are encoded by hand against the
// program's wire layout.
package token2022

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// transferFeeExtensionIx is the top-level Token-2022 instruction tag for
	// the transfer-fee extension.
	transferFeeExtensionIx = 26

	// Sub-instruction tags within the transfer-fee extension.
	withdrawWithheldTokensFromMintIx = 2
	harvestWithheldTokensToMintIx    = 4
)

// NewHarvestWithheldTokensToMintInstruction moves withheld fees from the given
// source token accounts back to the mint. Permissionless; no signer required.
func NewHarvestWithheldTokensToMintInstruction(mint solana.PublicKey, sources []solana.PublicKey) (solana.Instruction, error) {
	if mint.IsZero() {
		return nil, fmt.Errorf("mint is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source token account is required")
	}

	accounts := make(solana.AccountMetaSlice, 0, 1+len(sources))
	accounts = append(accounts, solana.Meta(mint).WRITE())
	for _, src := range sources {
		accounts = append(accounts, solana.Meta(src).WRITE())
	}

	data := []byte{transferFeeExtensionIx, harvestWithheldTokensToMintIx}
	return solana.NewInstruction(solana.Token2022ProgramID, accounts, data), nil
}

// NewWithdrawWithheldTokensFromMintInstruction moves fees accumulated on the
// mint itself to the destination token account. Requires the mint's withdraw
// withheld authority as signer.
func NewWithdrawWithheldTokensFromMintInstruction(mint, destination, authority solana.PublicKey) (solana.Instruction, error) {
	if mint.IsZero() {
		return nil, fmt.Errorf("mint is required")
	}
	if destination.IsZero() {
		return nil, fmt.Errorf("destination token account is required")
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("withdraw authority is required")
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(mint).WRITE(),
		solana.Meta(destination).WRITE(),
		solana.Meta(authority).SIGNER(),
	}

	data := []byte{transferFeeExtensionIx, withdrawWithheldTokensFromMintIx}
	return solana.NewInstruction(solana.Token2022ProgramID, accounts, data), nil
}
