package ui

import (
	"html/template"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"perteval/domain/core"
	"perteval/internal/errors"
	"perteval/internal/report"
)

// handleIndex lists the most recent runs
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := a.runs.ListRuns(r.Context(), 100)
	if err != nil {
		log.Printf("[UI] Failed to list runs: %v", err)
		http.Error(w, "Failed to load runs", http.StatusInternalServerError)
		return
	}
	a.renderTemplate(w, "index.html", map[string]interface{}{
		"Title": "Runs",
		"Runs":  runs,
	})
}

// handleRun renders the Markdown report of one run
func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := a.runs.GetRun(r.Context(), id)
	if errors.HasCode(err, errors.CodeNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[UI] Failed to load run %s: %v", id, err)
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	title := run.Name
	if title == "" {
		title = run.ID.String()
	}
	a.renderTemplate(w, "run.html", map[string]interface{}{
		"Title": title,
		// raw HTML in labels is dropped by report.HTML
		"Report": template.HTML(report.HTML(run)),
	})
}
