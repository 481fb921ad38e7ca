package scoring

// AggregateDeviations groups per-frame deviations by fault type, in order of
// first occurrence.
func AggregateDeviations(devs []Deviation, totalFrames int) []AggregatedDeviation {
	var order []FaultType
	groups := make(map[FaultType][]Deviation)
	for _, d := range devs {
		if _, seen := groups[d.Type]; !seen {
			order = append(order, d.Type)
		}
		groups[d.Type] = append(groups[d.Type], d)
	}

	out := make([]AggregatedDeviation, 0, len(order))
	for _, t := range order {
		group := groups[t]

		frames := make([]int, len(group))
		values := make([]float64, len(group))
		maxSev := SeverityMild
		var sum float64
		for i, d := range group {
			frames[i] = d.FrameNumber
			values[i] = d.Value
			sum += d.Value
			if d.Severity.Rank() > maxSev.Rank() {
				maxSev = d.Severity
			}
		}

		out = append(out, AggregatedDeviation{
			Type:           t,
			Severity:       maxSev,
			FramesAffected: frames,
			Percentage:     coverage(len(frames), totalFrames),
			AverageValue:   sum / float64(len(group)),
			Trend:          DetectTrend(values),
		})
	}
	return out
}

func coverage(affected, total int) float64 {
	if total <= 0 {
		return 0
	}
	return clamp(float64(affected)/float64(total)*100, 0, 100)
}

// DetectTrend compares the mean of the first and second half of a
// chronological series. A change above 20% is a trend.
func DetectTrend(values []float64) Trend {
	if len(values) < 3 {
		return TrendStable
	}

	mid := len(values) / 2
	first := mean(values[:mid])
	last := mean(values[mid:])

	switch {
	case last > first*1.2:
		return TrendIncreasing
	case last < first*0.8:
		return TrendDecreasing
	}
	return TrendStable
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// FrameScore converts a frame similarity into a 0-10 score, minus 3, 2 or 1
// for each severe, moderate or mild deviation on the frame.
func FrameScore(similarity float64, devs []Deviation) float64 {
	score := similarity * 10
	for _, d := range devs {
		switch d.Severity {
		case SeveritySevere:
			score -= 3
		case SeverityModerate:
			score -= 2
		default:
			score -= 1
		}
	}
	return clamp(score, 0, 10)
}

// OverallScore is the mean frame score minus 0.5 for every aggregated
// deviation that is moderate or severe.
func OverallScore(frames []FrameAnalysis, aggregated []AggregatedDeviation) float64 {
	if len(frames) == 0 {
		return 0
	}

	var sum float64
	for _, f := range frames {
		sum += f.Score
	}
	avg := sum / float64(len(frames))

	critical := 0
	for _, d := range aggregated {
		if d.Severity.Critical() {
			critical++
		}
	}

	return clamp(avg-0.5*float64(critical), 0, 10)
}

// Classify labels an overall score.
func Classify(score float64) Classification {
	switch {
	case score >= 8:
		return ClassExcellent
	case score >= 7:
		return ClassGood
	case score >= 5:
		return ClassRegular
	case score >= 3:
		return ClassPoor
	}
	return ClassCritical
}
