package shares_test

import (
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/disburser/engine/pkg/holders"
	"github.com/malbeclabs/disburser/engine/pkg/shares"
)

func holder(amount uint64) holders.Holder {
	return holders.Holder{
		Owner:        solana.NewWallet().PublicKey(),
		TokenAccount: solana.NewWallet().PublicKey(),
		Amount:       amount,
	}
}

func TestDisburser_Shares_Compute_ExactProportions(t *testing.T) {
	t.Parallel()

	t.Run("floor division with large denominators", func(t *testing.T) {
		t.Parallel()
		hs := []holders.Holder{holder(1_000_000_000)}
		out, err := shares.Compute(hs, 500_000_000_000, 1_000_000_000_000_000_000, shares.Policy{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, uint64(500), out[0].Amount)
	})

	t.Run("three holders split pool exactly at clamp boundary", func(t *testing.T) {
		t.Parallel()
		hs := []holders.Holder{holder(10), holder(20), holder(70)}
		out, err := shares.Compute(hs, 1000, 100, shares.Policy{})
		require.NoError(t, err)
		require.Len(t, out, 3)
		require.Equal(t, uint64(100), out[0].Amount)
		require.Equal(t, uint64(200), out[1].Amount)
		require.Equal(t, uint64(700), out[2].Amount)
		require.Equal(t, uint64(1000), shares.Sum(out))
	})

	t.Run("no overflow near uint64 limits", func(t *testing.T) {
		t.Parallel()
		supply := uint64(math.MaxUint64)
		hs := []holders.Holder{holder(supply / 2)}
		out, err := shares.Compute(hs, math.MaxUint64, supply, shares.Policy{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, supply/2, out[0].Amount)
	})

	t.Run("zero total supply is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := shares.Compute([]holders.Holder{holder(1)}, 100, 0, shares.Policy{})
		require.Error(t, err)
	})
}

func TestDisburser_Shares_Compute_RunningSumClamp(t *testing.T) {
	t.Parallel()

	t.Run("sum never exceeds pool", func(t *testing.T) {
		t.Parallel()
		// Each holder holds 40% of supply, so unclamped shares would sum to
		// 120% of the pool.
		hs := []holders.Holder{holder(40), holder(40), holder(40)}
		out, err := shares.Compute(hs, 1000, 100, shares.Policy{})
		require.NoError(t, err)
		require.Len(t, out, 3)
		require.Equal(t, uint64(400), out[0].Amount)
		require.Equal(t, uint64(400), out[1].Amount)
		// last holder truncated to the remaining budget
		require.Equal(t, uint64(200), out[2].Amount)
		require.Equal(t, uint64(1000), shares.Sum(out))
	})

	t.Run("holders after the clamp receive nothing", func(t *testing.T) {
		t.Parallel()
		hs := []holders.Holder{holder(100), holder(40), holder(40)}
		out, err := shares.Compute(hs, 1000, 100, shares.Policy{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, uint64(1000), out[0].Amount)
	})

	t.Run("result is order sensitive near the boundary", func(t *testing.T) {
		t.Parallel()
		big := holder(90)
		small := holder(40)

		bigFirst, err := shares.Compute([]holders.Holder{big, small}, 1000, 100, shares.Policy{})
		require.NoError(t, err)
		smallFirst, err := shares.Compute([]holders.Holder{small, big}, 1000, 100, shares.Policy{})
		require.NoError(t, err)

		require.Equal(t, uint64(900), bigFirst[0].Amount)
		require.Equal(t, uint64(100), bigFirst[1].Amount)
		require.Equal(t, uint64(400), smallFirst[0].Amount)
		require.Equal(t, uint64(600), smallFirst[1].Amount)
		require.Equal(t, shares.Sum(bigFirst), shares.Sum(smallFirst))
	})
}

func TestDisburser_Shares_Compute_MinimumUSDFilter(t *testing.T) {
	t.Parallel()

	policy := shares.Policy{
		MinHolderUSD:  1.0,
		TokenPriceUSD: 0.01,
		Decimals:      6,
	}

	t.Run("holders below the USD floor are skipped", func(t *testing.T) {
		t.Parallel()
		// 50 tokens * $0.01 = $0.50 < $1
		below := holder(50_000_000)
		// 200 tokens * $0.01 = $2
		above := holder(200_000_000)

		out, err := shares.Compute([]holders.Holder{below, above}, 1_000_000, 1_000_000_000, policy)
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, above.Owner, out[0].Holder.Owner)
	})

	t.Run("skipped even when the raw share would be non-zero", func(t *testing.T) {
		t.Parallel()
		below := holder(50_000_000)
		out, err := shares.Compute([]holders.Holder{below}, 1_000_000, 100_000_000, policy)
		require.NoError(t, err)
		require.Empty(t, out)
	})

	t.Run("filter disabled when threshold is zero", func(t *testing.T) {
		t.Parallel()
		below := holder(50_000_000)
		out, err := shares.Compute([]holders.Holder{below}, 1_000_000, 100_000_000, shares.Policy{TokenPriceUSD: 0.01, Decimals: 6})
		require.NoError(t, err)
		require.Len(t, out, 1)
	})
}

func TestDisburser_Shares_Compute_MinimumUnitPolicy(t *testing.T) {
	t.Parallel()

	t.Run("zero share floors to one unit when enabled", func(t *testing.T) {
		t.Parallel()
		out, err := shares.Compute([]holders.Holder{holder(1)}, 10, 1_000_000, shares.Policy{FloorToOneUnit: true})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, uint64(1), out[0].Amount)
	})

	t.Run("zero share dropped when disabled", func(t *testing.T) {
		t.Parallel()
		out, err := shares.Compute([]holders.Holder{holder(1)}, 10, 1_000_000, shares.Policy{})
		require.NoError(t, err)
		require.Empty(t, out)
	})

	t.Run("floored shares still respect the pool budget", func(t *testing.T) {
		t.Parallel()
		hs := make([]holders.Holder, 5)
		for i := range hs {
			hs[i] = holder(1)
		}
		out, err := shares.Compute(hs, 3, 1_000_000, shares.Policy{FloorToOneUnit: true})
		require.NoError(t, err)
		require.Len(t, out, 3)
		require.Equal(t, uint64(3), shares.Sum(out))
	})
}
