package predictor

import (
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
)

// Summary aggregates a batch of results.
type Summary struct {
	TotalImages     int
	TotalDetections int
	AveragePerImage float64
	// ClassCounts maps class names to how often they were detected across
	// the whole batch.
	ClassCounts map[string]int
}

// Summarize folds per image results into batch totals. The totals always add
// up: TotalDetections is the sum of the per image counts and the class
// counts sum to it as well.
func Summarize(results []*Result) Summary {
	records := lo.FlatMap(results, func(r *Result, _ int) []Record { return r.Records })
	s := Summary{
		TotalImages:     len(results),
		TotalDetections: lo.SumBy(results, func(r *Result) int { return r.NumDetections }),
		ClassCounts:     lo.CountValuesBy(records, func(rec Record) string { return rec.ClassName }),
	}
	counts := lo.Map(results, func(r *Result, _ int) float64 { return float64(r.NumDetections) })
	if len(counts) > 0 {
		if mean, err := stats.Mean(counts); err == nil {
			s.AveragePerImage = mean
		}
	}
	return s
}
