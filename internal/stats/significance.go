package stats

import (
	"math"
)

// SignificanceTest performs a one-proportion z-test on a two-way split of
// conversions. With visitors bucketed evenly, a variant that converts
// better collects more than half of all conversions. Returns the
// confidence level (0-1) that variant A converts better than variant B.
func SignificanceTest(aConv, bConv int) float64 {
	n := float64(aConv + bConv)
	if n == 0 {
		return 0.5 // No data, can't determine
	}

	pA := float64(aConv) / n

	// Standard error of the share under the null hypothesis (p = 0.5)
	se := math.Sqrt(0.25 / n)

	z := (pA - 0.5) / se
	return normalCDF(z)
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution
func normalCDF(x float64) float64 {
	// Use the approximation from Abramowitz and Stegun
	// Handbook of Mathematical Functions, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// Verdict summarizes which of two arms leads and how confidently.
type Verdict struct {
	// Leader is 0 for arm A, 1 for arm B, -1 on a tie.
	Leader     int
	Confidence float64
	Confident  bool
}

// Compare reports which arm leads and the confidence that it really
// converts better, judged against threshold (e.g. 0.95).
func Compare(aConv, bConv int, threshold float64) Verdict {
	switch {
	case aConv > bConv:
		c := SignificanceTest(aConv, bConv)
		return Verdict{Leader: 0, Confidence: c, Confident: c >= threshold}
	case bConv > aConv:
		c := SignificanceTest(bConv, aConv)
		return Verdict{Leader: 1, Confidence: c, Confident: c >= threshold}
	default:
		return Verdict{Leader: -1, Confidence: 0.5}
	}
}
