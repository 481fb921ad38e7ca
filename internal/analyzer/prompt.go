package analyzer

import (
	"fmt"
	"strings"

	"github.com/bdougie/formcheck/internal/models"
	"github.com/bdougie/formcheck/internal/scoring"
)

const maxPromptSources = 5

var queryTemplates = map[scoring.FaultType]string{
	scoring.KneeValgus:        "dynamic knee valgus correction hip abductor strengthening neuromuscular control",
	scoring.ButtWink:          "lumbar flexion posterior pelvic tilt squat correction hip mobility ankle dorsiflexion",
	scoring.ForwardLean:       "excessive trunk forward lean squat correction ankle mobility core strength",
	scoring.HeelRise:          "heel rise limited ankle dorsiflexion calf flexibility soleus gastrocnemius",
	scoring.AsymmetricLoading: "bilateral asymmetry unilateral strength imbalance single leg training",
}

var faultNames = map[scoring.FaultType]string{
	scoring.KneeValgus:        "Knee valgus",
	scoring.ButtWink:          "Posterior pelvic tilt (butt wink)",
	scoring.ForwardLean:       "Excessive forward lean",
	scoring.HeelRise:          "Heel rise",
	scoring.AsymmetricLoading: "Asymmetric loading",
}

// searchQuery is the retrieval query of a fault type for an exercise.
func searchQuery(fault scoring.FaultType, exerciseID string) string {
	base, ok := queryTemplates[fault]
	if !ok {
		base = string(fault) + " biomechanics correction"
	}
	return base + " " + exerciseID
}

func faultName(fault scoring.FaultType) string {
	if name, ok := faultNames[fault]; ok {
		return name
	}
	return string(fault)
}

func buildPrompt(quick *scoring.QuickAnalysisResult, critical []scoring.AggregatedDeviation, docs []models.ContextDoc, exerciseID string) string {
	var b strings.Builder

	b.WriteString("ANALYSIS DATA:\n")
	fmt.Fprintf(&b, "- Exercise: %s\n", exerciseID)
	fmt.Fprintf(&b, "- Overall score: %.1f/10\n", quick.OverallScore)
	fmt.Fprintf(&b, "- Classification: %s\n", quick.Classification)
	fmt.Fprintf(&b, "- Similarity to reference: %.1f%%\n\n", quick.Similarity*100)

	b.WriteString("CRITICAL DEVIATIONS:\n")
	for _, d := range critical {
		fmt.Fprintf(&b, "- %s (%s): %.0f%% of frames, average %.1f°, trend %s\n",
			faultName(d.Type), d.Severity, d.Percentage, d.AverageValue, d.Trend)
	}
	b.WriteString("\n")

	hasContext := len(docs) > 0
	if hasContext {
		n := min(len(docs), maxPromptSources)
		fmt.Fprintf(&b, "REFERENCE CONTEXT (%d passages):\n", n)
		for _, doc := range docs[:n] {
			fmt.Fprintf(&b, "- %s (%s): %s\n", doc.Title, doc.Source, excerpt(doc.Content, 400))
		}
	} else {
		b.WriteString("NOTE: no specific reference context is available; rely on established biomechanics principles.\n")
	}

	b.WriteString("\nTASK:\nWrite a professional assessment report with exactly these sections:\n\n")
	b.WriteString("## Summary\n[3-4 lines with the main findings]\n\n")
	b.WriteString("## Critical Deviations\n")
	for _, d := range critical {
		fmt.Fprintf(&b, "### %s\n- Likely cause\n- Impact on performance\n- Injury risk\n", faultName(d.Type))
	}
	b.WriteString("\n## Movement Patterns\n[compensations and how the deviations relate]\n\n")
	b.WriteString("## Recommendations\n1.\n2.\n3.\n\n")

	b.WriteString("GUIDELINES:\n")
	if hasContext {
		b.WriteString("- Cite the reference passages where relevant\n")
	}
	b.WriteString("- Be direct and avoid repetition\n- At most 500 words\n- Do not invent data that was not provided\n")
	return b.String()
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
