// Package shares computes exact proportional payout shares over a holder set.
// All arithmetic is integer; 128-bit intermediates keep the proportional
// multiply safe for the full uint64 range.
package shares

import (
	"errors"
	"math"
	"math/bits"

	"github.com/malbeclabs/disburser/engine/pkg/holders"
)

// Share is one holder's payout entitlement for a cycle.
type Share struct {
	Holder holders.Holder
	Amount uint64
}

// Policy holds the share-calculation knobs.
type Policy struct {
	// MinHolderUSD skips holders whose balance values below this many USD at
	// TokenPriceUSD. Zero disables the filter.
	MinHolderUSD float64

	// TokenPriceUSD is the fee-mint token price used only for the
	// minimum-balance filter, never for share amounts.
	TokenPriceUSD float64

	// Decimals of the fee mint, for the USD valuation above.
	Decimals uint8

	// FloorToOneUnit lifts a computed zero share to one smallest unit, for
	// payout assets where zero-unit transfers are meaningless.
	FloorToOneUnit bool
}

// Compute returns each holder's share of pool: floor(balance * pool / supply).
//
// Holders are processed in delivery order. Once the running sum would exceed
// the pool, the offending share is truncated to the remaining budget and all
// later holders receive nothing; with a fixed pool this is a policy outcome,
// not an error, so results near the clamp boundary depend on input order.
func Compute(hs []holders.Holder, pool, totalSupply uint64, policy Policy) ([]Share, error) {
	if totalSupply == 0 {
		return nil, errors.New("total supply must be greater than 0")
	}

	unitsPerToken := math.Pow10(int(policy.Decimals))

	out := make([]Share, 0, len(hs))
	var distributed uint64
	for _, h := range hs {
		if distributed >= pool {
			break
		}
		if policy.MinHolderUSD > 0 && policy.TokenPriceUSD > 0 {
			balanceUSD := float64(h.Amount) / unitsPerToken * policy.TokenPriceUSD
			if balanceUSD < policy.MinHolderUSD {
				continue
			}
		}

		share := mulDiv(h.Amount, pool, totalSupply)
		if share == 0 {
			if !policy.FloorToOneUnit {
				continue
			}
			share = 1
		}
		if remaining := pool - distributed; share > remaining {
			share = remaining
		}

		out = append(out, Share{Holder: h, Amount: share})
		distributed += share
	}

	return out, nil
}

// Sum returns the total of the given shares.
func Sum(ss []Share) uint64 {
	var total uint64
	for _, s := range ss {
		total += s.Amount
	}
	return total
}

// mulDiv computes floor(a * b / c) with a 128-bit intermediate product.
// A quotient that would overflow uint64 saturates; the running-sum clamp in
// Compute truncates it to the remaining budget anyway.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi == 0 {
		return lo / c
	}
	if hi >= c {
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, c)
	return quo
}
