package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/bdougie/formcheck/internal/models"
)

// StageStats summarises the durations of one stage
type StageStats struct {
	AvgMs float64 `json:"avg_ms"`
	P95Ms int64   `json:"p95_ms"`
	Count int     `json:"count"`
}

// DeviationCount is how often a fault type appeared
type DeviationCount struct {
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Aggregated holds the metrics of a period
type Aggregated struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	TotalJobs      int `json:"total_jobs"`
	SuccessfulJobs int `json:"successful_jobs"`
	FailedJobs     int `json:"failed_jobs"`

	AvgTotalMs float64 `json:"avg_total_ms"`
	P50TotalMs int64   `json:"p50_total_ms"`
	P95TotalMs int64   `json:"p95_total_ms"`
	P99TotalMs int64   `json:"p99_total_ms"`

	Stages map[models.Stage]StageStats `json:"stages"`

	DeepAnalysisRate  float64 `json:"deep_analysis_rate"`
	AvgDeepAnalysisMs float64 `json:"avg_deep_analysis_ms"`

	CacheHitRates struct {
		L1 float64 `json:"l1"`
		L2 float64 `json:"l2"`
		L3 float64 `json:"l3"`
	} `json:"cache_hit_rates"`

	AvgFramesAnalyzed float64 `json:"avg_frames_analyzed"`
	TotalTokens       int     `json:"total_tokens"`
	TotalDocs         int     `json:"total_docs"`

	AvgQuickScore     float64          `json:"avg_quick_score"`
	ScoreDistribution map[string]int   `json:"score_distribution"`
	TopDeviations     []DeviationCount `json:"top_deviations"`

	ErrorRate    float64        `json:"error_rate"`
	ErrorsByType map[string]int `json:"errors_by_type"`
	RecoveryRate float64        `json:"recovery_rate"`
}

// Percentile returns the nearest-rank percentile p (0-100) of values.
func Percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func average(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// Aggregate computes period metrics from the records created in [from, to].
func Aggregate(records []JobMetrics, from, to time.Time) Aggregated {
	agg := Aggregated{
		From:              from,
		To:                to,
		Stages:            make(map[models.Stage]StageStats),
		ScoreDistribution: make(map[string]int),
		ErrorsByType:      make(map[string]int),
	}

	var inRange []JobMetrics
	for _, r := range records {
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		inRange = append(inRange, r)
	}
	if len(inRange) == 0 {
		return agg
	}

	var (
		totals      []int64
		deepTimes   []int64
		stageTimes  = make(map[models.Stage][]int64)
		deepCount   int
		hits        [3]int
		frames      []int64
		scored      int
		scoreSum    float64
		devCounts   = make(map[string]int)
		devOrder    []string
		devTotal    int
		errTotal    int
		errRecovery int
	)

	for _, r := range inRange {
		agg.TotalJobs++
		switch r.Status {
		case StatusCompleted:
			agg.SuccessfulJobs++
		case StatusFailed:
			agg.FailedJobs++
		}

		totals = append(totals, r.TotalTimeMs)
		for stage, ms := range r.StageTimesMs {
			if ms > 0 {
				stageTimes[stage] = append(stageTimes[stage], ms)
			}
		}

		if r.DeepAnalysisTriggered {
			deepCount++
			if ms := r.StageTime(models.StageDeepAnalysis); ms > 0 {
				deepTimes = append(deepTimes, ms)
			}
		}

		if r.Cache.L1 {
			hits[0]++
		}
		if r.Cache.L2 {
			hits[1]++
		}
		if r.Cache.L3 {
			hits[2]++
		}

		frames = append(frames, int64(r.FramesAnalyzed))
		agg.TotalTokens += r.TokensUsed
		agg.TotalDocs += r.DocsRetrieved

		if r.Classification != "" {
			scored++
			scoreSum += r.QuickScore
			agg.ScoreDistribution[r.Classification]++
		}

		for _, t := range r.DeviationTypes {
			if _, ok := devCounts[t]; !ok {
				devOrder = append(devOrder, t)
			}
			devCounts[t]++
			devTotal++
		}

		for _, e := range r.Errors {
			errTotal++
			agg.ErrorsByType[string(e.Type)]++
			if e.Recovered {
				errRecovery++
			}
		}
	}

	agg.AvgTotalMs = average(totals)
	agg.P50TotalMs = Percentile(totals, 50)
	agg.P95TotalMs = Percentile(totals, 95)
	agg.P99TotalMs = Percentile(totals, 99)

	for stage, times := range stageTimes {
		agg.Stages[stage] = StageStats{
			AvgMs: average(times),
			P95Ms: Percentile(times, 95),
			Count: len(times),
		}
	}

	agg.DeepAnalysisRate = rate(deepCount, agg.TotalJobs)
	agg.AvgDeepAnalysisMs = average(deepTimes)

	agg.CacheHitRates.L1 = rate(hits[0], agg.TotalJobs)
	agg.CacheHitRates.L2 = rate(hits[1], agg.TotalJobs)
	agg.CacheHitRates.L3 = rate(hits[2], agg.TotalJobs)

	agg.AvgFramesAnalyzed = average(frames)
	if scored > 0 {
		agg.AvgQuickScore = scoreSum / float64(scored)
	}

	sort.SliceStable(devOrder, func(i, j int) bool {
		return devCounts[devOrder[i]] > devCounts[devOrder[j]]
	})
	for i, t := range devOrder {
		if i == 5 {
			break
		}
		agg.TopDeviations = append(agg.TopDeviations, DeviationCount{
			Type:       t,
			Count:      devCounts[t],
			Percentage: rate(devCounts[t], devTotal),
		})
	}

	agg.ErrorRate = rate(agg.FailedJobs, agg.TotalJobs)
	agg.RecoveryRate = rate(errRecovery, errTotal)

	return agg
}
