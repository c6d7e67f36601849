package abtest

import "math"

// Counts holds the streaming counters for one variant.
type Counts struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Responded int64 `json:"responded"`
	Converted int64 `json:"converted"`
}

// SignificanceResult is the outcome of a two-variant significance test over
// conversion counts.
type SignificanceResult struct {
	PValue                 float64 `json:"p_value"`
	ConfidenceLevel        float64 `json:"confidence_level"`
	Significant            bool    `json:"significant"`
	Winner                 string  `json:"winner,omitempty"`
	InsufficientSampleSize bool    `json:"insufficient_sample_size"`
	RateA                  float64 `json:"rate_a"`
	RateB                  float64 `json:"rate_b"`
}

// DefaultMinSampleSize is the per-variant sample floor below which no result
// is ever declared significant, to avoid false positives on small samples.
const DefaultMinSampleSize = 30

// ComputeSignificance runs a Pearson chi-square test of independence on the
// 2x2 conversion table (one degree of freedom). The p-value comes from the
// chi-square survival function, p = erfc(sqrt(x/2)).
//
// Special cases: identical counts give p=1.0 and no winner; a variant with
// zero sends gives no winner rather than a division by zero; samples below
// minSampleSize force significant=false and flag insufficient_sample_size.
func ComputeSignificance(a, b Counts, minSampleSize int64) SignificanceResult {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}

	res := SignificanceResult{PValue: 1.0}

	if a.Sent == 0 || b.Sent == 0 {
		return res
	}

	res.RateA = float64(a.Converted) / float64(a.Sent)
	res.RateB = float64(b.Converted) / float64(b.Sent)

	if a.Sent < minSampleSize || b.Sent < minSampleSize {
		res.InsufficientSampleSize = true
	}

	if a.Sent == b.Sent && a.Converted == b.Converted {
		// Identical observations: no evidence either way.
		res.PValue = 1.0
		res.ConfidenceLevel = 0
		return res
	}

	res.PValue = chiSquarePValue(a, b)
	res.ConfidenceLevel = 1 - res.PValue
	res.Significant = res.PValue < 0.05 && !res.InsufficientSampleSize

	if res.Significant {
		switch {
		case res.RateA > res.RateB:
			res.Winner = VariantA
		case res.RateB > res.RateA:
			res.Winner = VariantB
		}
	}
	return res
}

// chiSquarePValue computes the chi-square statistic for the 2x2 table
//
//	converted  not-converted
//	A:   a          b
//	B:   c          d
//
// and returns its p-value with one degree of freedom.
func chiSquarePValue(ca, cb Counts) float64 {
	a := float64(ca.Converted)
	b := float64(ca.Sent - ca.Converted)
	c := float64(cb.Converted)
	d := float64(cb.Sent - cb.Converted)
	n := a + b + c + d

	row1 := a + b
	row2 := c + d
	col1 := a + c
	col2 := b + d
	if row1 == 0 || row2 == 0 || col1 == 0 || col2 == 0 {
		return 1.0
	}

	diff := a*d - b*c
	chi2 := n * diff * diff / (row1 * row2 * col1 * col2)

	// Survival function of chi-square with 1 dof.
	p := math.Erfc(math.Sqrt(chi2 / 2))
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}
