package token2022

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestDisburser_Token2022_HarvestInstruction(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	src1 := solana.NewWallet().PublicKey()
	src2 := solana.NewWallet().PublicKey()

	t.Run("encodes tag, accounts and data", func(t *testing.T) {
		t.Parallel()
		ix, err := NewHarvestWithheldTokensToMintInstruction(mint, []solana.PublicKey{src1, src2})
		require.NoError(t, err)
		require.Equal(t, solana.Token2022ProgramID, ix.ProgramID())

		data, err := ix.Data()
		require.NoError(t, err)
		require.Equal(t, []byte{26, 4}, data)

		accounts := ix.Accounts()
		require.Len(t, accounts, 3)
		require.Equal(t, mint, accounts[0].PublicKey)
		require.True(t, accounts[0].IsWritable)
		require.False(t, accounts[0].IsSigner)
		require.Equal(t, src1, accounts[1].PublicKey)
		require.Equal(t, src2, accounts[2].PublicKey)
		require.True(t, accounts[1].IsWritable)
	})

	t.Run("rejects empty source list", func(t *testing.T) {
		t.Parallel()
		_, err := NewHarvestWithheldTokensToMintInstruction(mint, nil)
		require.Error(t, err)
	})

	t.Run("rejects zero mint", func(t *testing.T) {
		t.Parallel()
		_, err := NewHarvestWithheldTokensToMintInstruction(solana.PublicKey{}, []solana.PublicKey{src1})
		require.Error(t, err)
	})
}

func TestDisburser_Token2022_WithdrawInstruction(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	auth := solana.NewWallet().PublicKey()

	t.Run("encodes tag, accounts and data", func(t *testing.T) {
		t.Parallel()
		ix, err := NewWithdrawWithheldTokensFromMintInstruction(mint, dest, auth)
		require.NoError(t, err)
		require.Equal(t, solana.Token2022ProgramID, ix.ProgramID())

		data, err := ix.Data()
		require.NoError(t, err)
		require.Equal(t, []byte{26, 2}, data)

		accounts := ix.Accounts()
		require.Len(t, accounts, 3)
		require.Equal(t, mint, accounts[0].PublicKey)
		require.True(t, accounts[0].IsWritable)
		require.Equal(t, dest, accounts[1].PublicKey)
		require.True(t, accounts[1].IsWritable)
		require.Equal(t, auth, accounts[2].PublicKey)
		require.True(t, accounts[2].IsSigner)
		require.False(t, accounts[2].IsWritable)
	})

	t.Run("rejects missing authority", func(t *testing.T) {
		t.Parallel()
		_, err := NewWithdrawWithheldTokensFromMintInstruction(mint, dest, solana.PublicKey{})
		require.Error(t, err)
	})
}

func TestDisburser_Token2022_TransferCheckedInstruction(t *testing.T) {
	t.Parallel()

	source := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	auth := solana.NewWallet().PublicKey()

	t.Run("encodes amount and decimals", func(t *testing.T) {
		t.Parallel()
		ix, err := NewTransferCheckedInstruction(solana.Token2022ProgramID, source, mint, dest, auth, 0x0102030405060708, 9)
		require.NoError(t, err)
		require.Equal(t, solana.Token2022ProgramID, ix.ProgramID())

		data, err := ix.Data()
		require.NoError(t, err)
		require.Equal(t, []byte{12, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 9}, data)

		accounts := ix.Accounts()
		require.Len(t, accounts, 4)
		require.Equal(t, source, accounts[0].PublicKey)
		require.True(t, accounts[0].IsWritable)
		require.Equal(t, mint, accounts[1].PublicKey)
		require.False(t, accounts[1].IsWritable)
		require.Equal(t, dest, accounts[2].PublicKey)
		require.True(t, accounts[2].IsWritable)
		require.Equal(t, auth, accounts[3].PublicKey)
		require.True(t, accounts[3].IsSigner)
	})

	t.Run("honors the given token program", func(t *testing.T) {
		t.Parallel()
		ix, err := NewTransferCheckedInstruction(solana.TokenProgramID, source, mint, dest, auth, 1, 6)
		require.NoError(t, err)
		require.Equal(t, solana.TokenProgramID, ix.ProgramID())
	})

	t.Run("rejects missing accounts", func(t *testing.T) {
		t.Parallel()
		_, err := NewTransferCheckedInstruction(solana.TokenProgramID, solana.PublicKey{}, mint, dest, auth, 1, 6)
		require.Error(t, err)
	})
}

func TestDisburser_Token2022_FindAssociatedTokenAddress(t *testing.T) {
	t.Parallel()

	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	t.Run("classic program matches SDK derivation", func(t *testing.T) {
		t.Parallel()
		got, err := FindAssociatedTokenAddress(wallet, mint, solana.TokenProgramID)
		require.NoError(t, err)

		want, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("token-2022 derivation differs from classic", func(t *testing.T) {
		t.Parallel()
		classic, err := FindAssociatedTokenAddress(wallet, mint, solana.TokenProgramID)
		require.NoError(t, err)
		t22, err := FindAssociatedTokenAddress(wallet, mint, solana.Token2022ProgramID)
		require.NoError(t, err)
		require.NotEqual(t, classic, t22)
	})
}

func TestDisburser_Token2022_CreateATAIdempotentInstruction(t *testing.T) {
	t.Parallel()

	payer := solana.NewWallet().PublicKey()
	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	ix, ata, err := NewCreateAssociatedTokenAccountIdempotentInstruction(payer, wallet, mint, solana.Token2022ProgramID)
	require.NoError(t, err)
	require.False(t, ata.IsZero())
	require.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, []byte{1}, data)

	accounts := ix.Accounts()
	require.Len(t, accounts, 6)
	require.Equal(t, payer, accounts[0].PublicKey)
	require.True(t, accounts[0].IsSigner)
	require.True(t, accounts[0].IsWritable)
	require.Equal(t, ata, accounts[1].PublicKey)
	require.Equal(t, wallet, accounts[2].PublicKey)
	require.Equal(t, mint, accounts[3].PublicKey)
	require.Equal(t, solana.SystemProgramID, accounts[4].PublicKey)
	require.Equal(t, solana.Token2022ProgramID, accounts[5].PublicKey)
}
