package engagement

import "github.com/shopspring/decimal"

// Blend folds the manual seed into the session average as one synthetic
// sample. meanRatio is a 0..1 fraction; seed and the result are 0..100.
func Blend(completed int64, meanRatio float64, seed *float64) float64 {
	avg := decimal.NewFromFloat(meanRatio).Mul(decimal.NewFromInt(100))

	var result decimal.Decimal
	switch {
	case completed == 0 && seed == nil:
		result = decimal.Zero
	case completed == 0:
		result = decimal.NewFromFloat(*seed)
	case seed == nil:
		result = avg
	default:
		n := decimal.NewFromInt(completed)
		result = avg.Mul(n).Add(decimal.NewFromFloat(*seed)).Div(n.Add(decimal.NewFromInt(1)))
	}
	return result.Round(2).InexactFloat64()
}
