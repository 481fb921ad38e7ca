package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bdougie/formcheck/internal/models"
)

// FormatReport renders aggregated metrics as a plain-text performance report.
func FormatReport(a Aggregated) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PERFORMANCE REPORT %s - %s\n\n",
		a.From.Format("2006-01-02 15:04"), a.To.Format("2006-01-02 15:04"))

	fmt.Fprintf(&b, "Jobs\n")
	fmt.Fprintf(&b, "  total:      %d\n", a.TotalJobs)
	fmt.Fprintf(&b, "  successful: %d (%.1f%%)\n", a.SuccessfulJobs, rate(a.SuccessfulJobs, a.TotalJobs))
	fmt.Fprintf(&b, "  failed:     %d (%.1f%%)\n\n", a.FailedJobs, a.ErrorRate)

	fmt.Fprintf(&b, "Latency\n")
	fmt.Fprintf(&b, "  avg: %.1fs  p50: %.1fs  p95: %.1fs  p99: %.1fs\n\n",
		a.AvgTotalMs/1000, float64(a.P50TotalMs)/1000, float64(a.P95TotalMs)/1000, float64(a.P99TotalMs)/1000)

	if len(a.Stages) > 0 {
		fmt.Fprintf(&b, "Stages\n")
		for _, stage := range models.Stages() {
			s, ok := a.Stages[stage]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  %-16s avg %7.0fms  p95 %7dms  n=%d\n", stage, s.AvgMs, s.P95Ms, s.Count)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Deep analysis\n")
	fmt.Fprintf(&b, "  rate: %.1f%%  avg: %.1fs\n\n", a.DeepAnalysisRate, a.AvgDeepAnalysisMs/1000)

	fmt.Fprintf(&b, "Cache hit rates\n")
	fmt.Fprintf(&b, "  L1: %.1f%%  L2: %.1f%%  L3: %.1f%%\n\n", a.CacheHitRates.L1, a.CacheHitRates.L2, a.CacheHitRates.L3)

	fmt.Fprintf(&b, "Resources\n")
	fmt.Fprintf(&b, "  avg frames: %.1f  tokens: %d  docs: %d\n\n", a.AvgFramesAnalyzed, a.TotalTokens, a.TotalDocs)

	fmt.Fprintf(&b, "Quality\n")
	fmt.Fprintf(&b, "  avg score: %.2f/10\n", a.AvgQuickScore)
	classes := make([]string, 0, len(a.ScoreDistribution))
	for c := range a.ScoreDistribution {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(&b, "  %-12s %d\n", c, a.ScoreDistribution[c])
	}

	if len(a.TopDeviations) > 0 {
		fmt.Fprintf(&b, "\nTop deviations\n")
		for i, d := range a.TopDeviations {
			fmt.Fprintf(&b, "  %d. %s: %d (%.1f%%)\n", i+1, d.Type, d.Count, d.Percentage)
		}
	}

	fmt.Fprintf(&b, "\nErrors\n")
	fmt.Fprintf(&b, "  error rate: %.1f%%  recovery rate: %.1f%%\n", a.ErrorRate, a.RecoveryRate)
	types := make([]string, 0, len(a.ErrorsByType))
	for t := range a.ErrorsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "  %-22s %d\n", t, a.ErrorsByType[t])
	}

	return b.String()
}
