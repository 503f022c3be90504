package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/core"
	"perteval/domain/evaluation"
	"perteval/internal/errors"
	"perteval/models"
)

// RunService is the part of the evaluation service the API exposes
type RunService interface {
	ScoreResults(ctx context.Context, name string, results *evaluation.Results, geneIdx []int) (*models.EvaluationRun, error)
	GetRun(ctx context.Context, id core.RunID) (*models.EvaluationRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.EvaluationRun, error)
	DeleteRun(ctx context.Context, id core.RunID) error
}

// RunHandler serves evaluation runs and scores posted results
type RunHandler struct {
	service RunService
}

// NewRunHandler creates a new run handler
func NewRunHandler(service RunService) *RunHandler {
	return &RunHandler{service: service}
}

// RegisterRoutes mounts the handler on r
func (h *RunHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/runs/:id/perturbations/:pert", h.GetPerturbation)
	api.DELETE("/runs/:id", h.DeleteRun)
	api.POST("/metrics", h.ScoreResults)
}

// Health reports liveness
func (h *RunHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRuns returns run summaries, newest first
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.service.ListRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetRun returns one run with its per-perturbation scores
func (h *RunHandler) GetRun(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetPerturbation returns the scores of one perturbation of a run
func (h *RunHandler) GetPerturbation(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	pert := c.Param("pert")
	scores, found := run.PerturbationMetrics[pert]
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "perturbation not found", "perturbation": pert})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.ID, "perturbation": pert, "metrics": scores})
}

// DeleteRun removes a run
func (h *RunHandler) DeleteRun(c *gin.Context) {
	id, err := core.ParseRunID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.DeleteRun(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MetricsRequest carries externally produced predictions to score
type MetricsRequest struct {
	Name    string      `json:"name"`
	PertCat []string    `json:"pert_cat" binding:"required"`
	Pred    [][]float64 `json:"pred" binding:"required"`
	Truth   [][]float64 `json:"truth" binding:"required"`
	PredDE  [][]float64 `json:"pred_de"`
	TruthDE [][]float64 `json:"truth_de"`
	GeneIdx []int       `json:"gene_idx"`
}

// ScoreResults aggregates posted results and stores them as a run
func (h *RunHandler) ScoreResults(c *gin.Context) {
	var req MetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	results, err := req.results()
	if err != nil {
		respondError(c, err)
		return
	}

	run, err := h.service.ScoreResults(c.Request.Context(), req.Name, results, req.GeneIdx)
	if err != nil {
		respondError(c, err)
		return
	}
	log.Printf("[RunHandler] Scored %d posted samples as run %s", run.NumSamples, run.ID)
	c.JSON(http.StatusCreated, run)
}

func (r MetricsRequest) results() (*evaluation.Results, error) {
	pred, err := toDense("pred", r.Pred)
	if err != nil {
		return nil, err
	}
	truth, err := toDense("truth", r.Truth)
	if err != nil {
		return nil, err
	}
	results := &evaluation.Results{PertCat: r.PertCat, Pred: pred, Truth: truth}

	if (r.PredDE == nil) != (r.TruthDE == nil) {
		return nil, errors.InvalidInput("pred_de and truth_de must be given together")
	}
	if r.PredDE != nil {
		if results.PredDE, err = toDense("pred_de", r.PredDE); err != nil {
			return nil, err
		}
		if results.TruthDE, err = toDense("truth_de", r.TruthDE); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func toDense(name string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.InvalidInput(name + " must be a non-empty matrix")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, errors.ShapeMismatch("%s row %d has %d values, expected %d", name, i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

func (h *RunHandler) loadRun(c *gin.Context) (*models.EvaluationRun, bool) {
	id, err := core.ParseRunID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	run, err := h.service.GetRun(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return run, true
}

// respondError maps application error codes to HTTP status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.HasCode(err, errors.CodeNotFound):
		status = http.StatusNotFound
	case errors.HasCode(err, errors.CodeInvalidInput),
		errors.HasCode(err, errors.CodeValidationError),
		errors.HasCode(err, errors.CodeShapeMismatch):
		status = http.StatusBadRequest
	case errors.HasCode(err, errors.CodeExternalService):
		status = http.StatusBadGateway
	case errors.HasCode(err, errors.CodeConfigInvalid):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("[RunHandler] %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errors.GetCode(err)})
}
