package decision

import (
	"testing"
)

func TestPrioritize(t *testing.T) {
	entries := []QueueEntry{
		{JobID: "a", Score: 8},
		{JobID: "b", Score: 7, Premium: true},
		{JobID: "c", Score: 9},
	}

	got := Prioritize(entries)
	if got[0].JobID != "b" {
		t.Errorf("first = %s, want premium entry b", got[0].JobID)
	}
	if got[1].JobID != "a" || got[2].JobID != "c" {
		t.Errorf("ties must keep input order, got %v", ids(got))
	}
	if entries[0].JobID != "a" {
		t.Error("input slice was modified")
	}
}

func TestPrioritizeTieBreaks(t *testing.T) {
	entries := []QueueEntry{
		{JobID: "ok-few", Score: 8, Deviations: 1},
		{JobID: "low-few", Score: 4, Deviations: 1},
		{JobID: "ok-many", Score: 6, Deviations: 4},
		{JobID: "low-many", Score: 3, Deviations: 5},
		{JobID: "premium-ok", Score: 9, Premium: true},
		{JobID: "premium-low", Score: 2, Premium: true, Deviations: 2},
	}

	want := []string{"premium-low", "premium-ok", "low-many", "low-few", "ok-many", "ok-few"}
	got := ids(Prioritize(entries))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func ids(entries []QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.JobID
	}
	return out
}

func TestBuildReport(t *testing.T) {
	decisions := []Decision{
		{ShouldRun: true, Triggers: []string{"score_low: 5.0/10 (< 7.0)", "critical_deviations: 1x [heel_rise]"}},
		{ShouldRun: false, Triggers: []string{"critical_deviations: 1x [butt_wink]"}},
		{ShouldRun: false},
	}

	r := BuildReport(decisions)

	if r.Total != 3 || r.Run != 1 || r.Skipped != 2 {
		t.Errorf("counts = %+v", r)
	}
	if r.AvgTriggers != 1 {
		t.Errorf("avg triggers = %v, want 1", r.AvgTriggers)
	}
	if r.MostCommonTrigger != "critical_deviations" {
		t.Errorf("most common = %q", r.MostCommonTrigger)
	}
}

func TestBuildReportRoundingAndTies(t *testing.T) {
	decisions := []Decision{
		{Triggers: []string{"similarity_low: 60%", "score_low: 6/10"}},
		{Triggers: []string{"score_low: 6/10"}},
		{Triggers: []string{"similarity_low: 60%"}},
	}

	r := BuildReport(decisions)
	if r.AvgTriggers != 1.33 {
		t.Errorf("avg triggers = %v, want 1.33", r.AvgTriggers)
	}
	if r.MostCommonTrigger != "similarity_low" {
		t.Errorf("tie should go to the first seen category, got %q", r.MostCommonTrigger)
	}

	if empty := BuildReport(nil); empty.MostCommonTrigger != "none" || empty.Total != 0 {
		t.Errorf("empty report = %+v", empty)
	}
}
