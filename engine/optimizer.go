package engine

import (
	"math"

	"moltd/agentclient"
)

const optimizerCandidates = 41

// Weight clamp for the Nash product. Keeping both exponents away from
// the extremes stops one side's utility from dominating the split.
const (
	minWeight = 0.15
	maxWeight = 0.85
)

// NashPrice settles the agreed price once offers cross. The feasible
// interval is the overlap of the crossed offers clipped to both
// reservations; candidates are scored by the weighted Nash product of
// normalized utilities. Returns false when no overlap exists.
func NashPrice(buyerOffer, sellerAsk, buyerReservation, sellerReservation, buyerPower, sellerPower float64) (float64, bool) {
	lo := math.Max(math.Min(buyerOffer, sellerAsk), sellerReservation)
	hi := math.Min(math.Max(buyerOffer, sellerAsk), buyerReservation)
	if lo > hi {
		return 0, false
	}
	if lo == hi {
		return agentclient.RoundOffer(lo), true
	}

	span := buyerReservation - sellerReservation
	if span <= 0 {
		// Reservations touch or cross; any feasible point is equivalent.
		return agentclient.RoundOffer((lo + hi) / 2), true
	}

	buyerWeight := splitWeight(buyerPower, sellerPower)
	sellerWeight := 1 - buyerWeight

	best := lo
	bestScore := -1.0
	for i := 0; i < optimizerCandidates; i++ {
		price := lo + (hi-lo)*float64(i)/float64(optimizerCandidates-1)
		utilityBuyer := clamp01((buyerReservation - price) / span)
		utilitySeller := clamp01((price - sellerReservation) / span)
		score := math.Pow(utilityBuyer, buyerWeight) * math.Pow(utilitySeller, sellerWeight)
		if score > bestScore {
			bestScore = score
			best = price
		}
	}
	return agentclient.RoundOffer(best), true
}

func splitWeight(buyerPower, sellerPower float64) float64 {
	total := buyerPower + sellerPower
	if total <= 0 {
		return 0.5
	}
	weight := buyerPower / total
	if weight < minWeight {
		return minWeight
	}
	if weight > maxWeight {
		return maxWeight
	}
	return weight
}

// fallbackConcession is the per-turn movement of one side in the
// deterministic engine: the configured step scaled so stronger sides
// concede less. The scale stays positive for any power in [0,1].
func fallbackConcession(step, power float64) float64 {
	return step * (1.5 - power)
}
