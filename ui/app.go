package ui

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"perteval/domain/core"
	"perteval/models"
)

//go:embed templates/*.html
var embeddedFiles embed.FS

// RunReader is the read side of the evaluation service
type RunReader interface {
	GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error)
}

// App represents the UI application
type App struct {
	router    *chi.Mux
	runs      RunReader
	templates *template.Template
	port      string
}

// Config holds UI application configuration
type Config struct {
	Port string
}

// NewApp creates a new UI application
func NewApp(config Config, runs RunReader) (*App, error) {
	funcMap := template.FuncMap{
		"metric": func(scores models.ScoreMap, key string) string {
			return fmt.Sprintf("%.4f", scores[key])
		},
	}
	templates, err := template.New("").Funcs(funcMap).ParseFS(embeddedFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	port := config.Port
	if port == "" {
		port = "8081"
	}

	app := &App{
		router:    chi.NewRouter(),
		runs:      runs,
		templates: templates,
		port:      port,
	}

	app.setupMiddleware()
	app.setupRoutes()

	return app, nil
}

// setupMiddleware configures HTTP middleware
func (a *App) setupMiddleware() {
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Compress(5))
}

// setupRoutes configures the application routes
func (a *App) setupRoutes() {
	a.router.Get("/", a.handleIndex)
	a.router.Get("/runs/{id}", a.handleRun)
}

// Handler exposes the router, mainly for tests
func (a *App) Handler() http.Handler {
	return a.router
}

// Start starts the HTTP server
func (a *App) Start() error {
	addr := ":" + a.port
	log.Printf("Starting perteval report UI on %s", addr)
	return http.ListenAndServe(addr, a.router)
}

// renderTemplate executes a template into a buffer first so errors never
// leave a half-written page
func (a *App) renderTemplate(w http.ResponseWriter, templateName string, data interface{}) {
	var buf bytes.Buffer
	if err := a.templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		log.Printf("[UI] Template error for %s: %v", templateName, err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[UI] Error writing template response: %v", err)
	}
}
