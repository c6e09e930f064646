// Package stats computes the per-cluster gene summaries.
package stats

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds the two statistics reported for one gene in one cluster.
type Summary struct {
	Mean    float64
	Percent float64
}

// Summarize returns the mean of values and the percentage of values
// strictly greater than threshold, both rounded to precision decimal
// digits. values must not be empty.
func Summarize(values []float64, threshold float64, precision int) Summary {
	n := float64(len(values))
	above := floats.Count(func(v float64) bool { return v > threshold }, values)
	return Summary{
		Mean:    Round(stat.Mean(values, nil), precision),
		Percent: Round(float64(above)/n*100, precision),
	}
}

// Round rounds x to precision decimal digits, with ties rounded away
// from zero. Ties are judged on the binary product x*10^precision, so a
// value such as 1.00005 whose product lands on .5 rounds up even though
// its exact binary value is slightly below the decimal tie.
func Round(x float64, precision int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	scale := math.Pow10(precision)
	if math.IsInf(x*scale, 0) {
		return x
	}
	return math.Round(x*scale) / scale
}

// Format renders v as the shortest decimal that round-trips, always
// including a fractional part: 50 is written "50.0", 1.25 as "1.25".
func Format(v float64) string {
	if v == 0 {
		// Avoid "-0.0".
		return "0.0"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}
