package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/throw-if-null/deepresearch/internal/task"
)

const (
	DimStructure = "structure"
	DimSources   = "sources"
	DimCoverage  = "coverage"
)

// ReportGrader scores a report on its shape, its references and how many
// expected keywords it covers. It needs no model.
type ReportGrader struct {
	Threshold     float64
	MinSections   int
	MinReferences int
	Weights       map[string]float64
}

func NewReportGrader() *ReportGrader {
	return &ReportGrader{
		Threshold:     0.7,
		MinSections:   3,
		MinReferences: 3,
		Weights: map[string]float64{
			DimStructure: 0.3,
			DimSources:   0.3,
			DimCoverage:  0.4,
		},
	}
}

func (g *ReportGrader) Type() string { return "report" }

func (g *ReportGrader) Grade(_ context.Context, r *task.Report, c Case) (Grade, error) {
	dims := map[string]Dimension{
		DimStructure: g.structure(r),
		DimSources:   g.sources(r, c.ExpectedSources),
		DimCoverage:  coverage(r, c.Expected),
	}

	var score, total float64
	var weak []string
	for _, name := range []string{DimStructure, DimSources, DimCoverage} {
		w := g.Weights[name]
		score += w * dims[name].Score
		total += w
		if dims[name].Score < 1 {
			weak = append(weak, name+": "+dims[name].Reason)
		}
	}
	if total > 0 {
		score /= total
	}
	gr := Grade{
		Score:     score,
		Passed:    score >= g.Threshold,
		Breakdown: dims,
	}
	if len(weak) == 0 {
		gr.Reason = "all checks passed"
	} else {
		gr.Reason = strings.Join(weak, "; ")
	}
	return gr, nil
}

func (g *ReportGrader) structure(r *task.Report) Dimension {
	n := 0
	for _, s := range r.Sections {
		if strings.TrimSpace(s.Content) != "" {
			n++
		}
	}
	parts := []float64{ratio(n, g.MinSections)}
	var missing []string
	if strings.TrimSpace(r.Abstract) == "" {
		missing = append(missing, "abstract")
		parts = append(parts, 0)
	} else {
		parts = append(parts, 1)
	}
	if strings.TrimSpace(r.Conclusion) == "" {
		missing = append(missing, "conclusion")
		parts = append(parts, 0)
	} else {
		parts = append(parts, 1)
	}
	reason := fmt.Sprintf("%d of %d sections with content", n, g.MinSections)
	if len(missing) > 0 {
		reason += ", missing " + strings.Join(missing, " and ")
	}
	return Dimension{Score: mean(parts), Reason: reason}
}

func (g *ReportGrader) sources(r *task.Report, expected []string) Dimension {
	d := Dimension{
		Score:  ratio(len(r.References), g.MinReferences),
		Reason: fmt.Sprintf("%d of %d references", len(r.References), g.MinReferences),
	}
	if len(expected) == 0 {
		return d
	}
	refs := strings.ToLower(strings.Join(r.References, "\n"))
	found := 0
	for _, e := range expected {
		if strings.Contains(refs, strings.ToLower(e)) {
			found++
		}
	}
	d.Score = mean([]float64{d.Score, ratio(found, len(expected))})
	d.Reason += fmt.Sprintf(", %d of %d expected sources cited", found, len(expected))
	return d
}

func coverage(r *task.Report, keywords []string) Dimension {
	if len(keywords) == 0 {
		return Dimension{Score: 1, Reason: "no keywords expected"}
	}
	text := strings.ToLower(r.Text())
	var missing []string
	for _, k := range keywords {
		if !strings.Contains(text, strings.ToLower(strings.TrimSpace(k))) {
			missing = append(missing, k)
		}
	}
	found := len(keywords) - len(missing)
	reason := fmt.Sprintf("%d of %d keywords covered", found, len(keywords))
	if len(missing) > 0 {
		reason += ", missing " + strings.Join(missing, ", ")
	}
	return Dimension{Score: ratio(found, len(keywords)), Reason: reason}
}

func ratio(have, want int) float64 {
	if want <= 0 || have >= want {
		return 1
	}
	return float64(have) / float64(want)
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
