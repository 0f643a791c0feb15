package token2022

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// transferCheckedIx is the shared token-program instruction tag for
// TransferChecked; identical across the classic program and Token-2022.
const transferCheckedIx = 12

// NewTransferCheckedInstruction builds a TransferChecked against the given
// token program. The upstream SDK builder hardcodes the classic program id,
// which breaks transfers of mints owned by Token-2022.
func NewTransferCheckedInstruction(tokenProgram, source, mint, destination, authority solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	if tokenProgram.IsZero() {
		return nil, fmt.Errorf("token program is required")
	}
	if source.IsZero() {
		return nil, fmt.Errorf("source token account is required")
	}
	if mint.IsZero() {
		return nil, fmt.Errorf("mint is required")
	}
	if destination.IsZero() {
		return nil, fmt.Errorf("destination token account is required")
	}
	if authority.IsZero() {
		return nil, fmt.Errorf("transfer authority is required")
	}

	data := make([]byte, 10)
	data[0] = transferCheckedIx
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	accounts := solana.AccountMetaSlice{
		solana.Meta(source).WRITE(),
		solana.Meta(mint),
		solana.Meta(destination).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return solana.NewInstruction(tokenProgram, accounts, data), nil
}
