package model

// DefaultRejectionThreshold is the rejection rate above which a filter step is
// reported by the high-rejection query when no threshold is given.
const DefaultRejectionThreshold = 0.9

// ComputeSummary derives accepted/rejected counts for a step summary.
//
// accepted is outputCount when supplied, else 0. rejected is the sum of the
// breakdown when a non-empty breakdown is supplied; otherwise it is
// inputCount - accepted (floored at 0) when inputCount is supplied, else 0.
func ComputeSummary(breakdown map[string]int, inputCount, outputCount *int) (rejected, accepted int) {
	if outputCount != nil {
		accepted = *outputCount
	}
	if len(breakdown) > 0 {
		for _, n := range breakdown {
			rejected += n
		}
		return rejected, accepted
	}
	if inputCount != nil {
		rejected = max(*inputCount-accepted, 0)
	}
	return rejected, accepted
}

// RejectionRate returns rejected/(rejected+accepted) and false when the
// denominator is zero.
func RejectionRate(rejected, accepted int) (float64, bool) {
	total := rejected + accepted
	if total == 0 {
		return 0, false
	}
	return float64(rejected) / float64(total), true
}
