package decision

import (
	"math"
	"sort"
	"strings"
)

// QueueEntry is a pending job as seen by the prioritiser
type QueueEntry struct {
	JobID      string  `json:"job_id"`
	Score      float64 `json:"score"`
	Premium    bool    `json:"premium"`
	Deviations int     `json:"deviations"`
}

// Prioritize returns entries ordered premium first, then score below 5,
// then by descending deviation count. Ties keep their input order.
func Prioritize(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, len(entries))
	copy(out, entries)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Premium != b.Premium {
			return a.Premium
		}
		if lowA, lowB := a.Score < 5, b.Score < 5; lowA != lowB {
			return lowA
		}
		return a.Deviations > b.Deviations
	})
	return out
}

// Report summarises a batch of decisions
type Report struct {
	Total             int     `json:"total"`
	Run               int     `json:"run"`
	Skipped           int     `json:"skipped"`
	AvgTriggers       float64 `json:"avg_triggers"`
	MostCommonTrigger string  `json:"most_common_trigger"`
}

// BuildReport aggregates decisions. The most common trigger category wins
// ties by first appearance and is "none" when nothing fired.
func BuildReport(decisions []Decision) Report {
	r := Report{Total: len(decisions), MostCommonTrigger: "none"}
	if len(decisions) == 0 {
		return r
	}

	counts := make(map[string]int)
	var order []string
	triggers := 0

	for _, d := range decisions {
		if d.ShouldRun {
			r.Run++
		} else {
			r.Skipped++
		}
		triggers += len(d.Triggers)
		for _, t := range d.Triggers {
			cat, _, _ := strings.Cut(t, ":")
			cat = strings.TrimSpace(cat)
			if _, ok := counts[cat]; !ok {
				order = append(order, cat)
			}
			counts[cat]++
		}
	}

	r.AvgTriggers = math.Round(float64(triggers)/float64(len(decisions))*100) / 100

	best := 0
	for _, cat := range order {
		if counts[cat] > best {
			best = counts[cat]
			r.MostCommonTrigger = cat
		}
	}
	return r
}
