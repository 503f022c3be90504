// Package report renders evaluation runs as Markdown and HTML.
package report

import (
	"fmt"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"perteval/domain/evaluation"
	"perteval/models"
)

// Markdown renders the run summary, the aggregate metric table and the
// per-perturbation breakdown
func Markdown(run *models.EvaluationRun) string {
	var b strings.Builder

	title := run.Name
	if title == "" {
		title = run.ID.String()
	}
	fmt.Fprintf(&b, "# Evaluation %s\n\n", title)

	fmt.Fprintf(&b, "- **Run:** `%s`\n", run.ID)
	if run.ModelName != "" {
		fmt.Fprintf(&b, "- **Model:** %s\n", run.ModelName)
	}
	if run.Device != "" {
		fmt.Fprintf(&b, "- **Device:** %s\n", run.Device)
	}
	fmt.Fprintf(&b, "- **Samples:** %d\n", run.NumSamples)
	fmt.Fprintf(&b, "- **Genes:** %d\n", run.NumGenes)
	if run.GeneSubset {
		b.WriteString("- **Gene subset:** yes (per-perturbation and DE metrics are not computed)\n")
	}
	if !run.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "- **Created:** %s\n", run.CreatedAt.Time().Format("2006-01-02 15:04:05 MST"))
	}

	b.WriteString("\n## Metrics\n\n")
	b.WriteString("| metric | macro | DE macro | micro | DE micro |\n")
	b.WriteString("|---|---:|---:|---:|---:|\n")
	for _, m := range evaluation.MetricNames {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", m,
			format(run.Metrics[m+evaluation.SuffixMacro]),
			format(run.Metrics[m+evaluation.SuffixDEMacro]),
			format(run.Metrics[m]),
			format(run.Metrics[m+evaluation.SuffixDE]))
	}

	perts := run.Perturbations()
	if len(perts) == 0 {
		return b.String()
	}

	fmt.Fprintf(&b, "\n## Perturbations (%d)\n\n", len(perts))
	b.WriteString("| perturbation |")
	for _, m := range evaluation.MetricNames {
		fmt.Fprintf(&b, " %s |", m)
	}
	for _, m := range evaluation.MetricNames {
		fmt.Fprintf(&b, " %s%s |", m, evaluation.SuffixDE)
	}
	b.WriteString("\n|---|")
	b.WriteString(strings.Repeat("---:|", 2*len(evaluation.MetricNames)))
	b.WriteString("\n")

	for _, pert := range perts {
		scores := run.PerturbationMetrics[pert]
		fmt.Fprintf(&b, "| %s |", escape(pert))
		for _, m := range evaluation.MetricNames {
			fmt.Fprintf(&b, " %s |", format(scores[m]))
		}
		for _, m := range evaluation.MetricNames {
			fmt.Fprintf(&b, " %s |", format(scores[m+evaluation.SuffixDE]))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// HTML renders the Markdown report to an HTML fragment. Raw HTML embedded
// in run names or labels is skipped.
func HTML(run *models.EvaluationRun) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := p.Parse([]byte(Markdown(run)))

	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank | html.SkipHTML})
	return markdown.Render(doc, renderer)
}

func format(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

// escape keeps labels such as "A|B" from breaking table cells
func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
