package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perteval/app"
	"perteval/domain/core"
	"perteval/internal/config"
	"perteval/internal/testkit"
	"perteval/models"
)

func setupRouter(t *testing.T) (*gin.Engine, *testkit.MemoryRunRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := testkit.NewMemoryRunRepository()
	svc := app.NewEvaluationService(repo, config.Default().Evaluation)

	router := gin.New()
	NewRunHandler(svc).RegisterRoutes(router)
	return router, repo
}

func do(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func storedRun(t *testing.T, repo *testkit.MemoryRunRepository) *models.EvaluationRun {
	t.Helper()
	run := &models.EvaluationRun{
		ID:        core.NewRunID(),
		Name:      "holdout",
		Metrics:   models.ScoreMap{"mse_macro": 0.1},
		CreatedAt: core.Now(),
		PerturbationMetrics: map[string]models.ScoreMap{
			"KLF1+ctrl": {"mse": 0.2, "mse_de": 0.4},
		},
	}
	require.NoError(t, repo.SaveRun(context.Background(), run))
	return run
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t)
	w := do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScoreResults(t *testing.T) {
	router, repo := setupRouter(t)

	w := do(router, http.MethodPost, "/api/metrics", MetricsRequest{
		Name:    "posted",
		PertCat: []string{"A", "A", "ctrl"},
		Pred:    [][]float64{{1, 2, 3}, {2, 3, 4}, {0, 0, 1}},
		Truth:   [][]float64{{1, 2, 3}, {2, 3, 4}, {0, 0, 1}},
		PredDE:  [][]float64{{1, 2}, {2, 3}, {0, 0}},
		TruthDE: [][]float64{{1, 2}, {2, 3}, {0, 0}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var run models.EvaluationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "posted", run.Name)
	assert.Equal(t, 3, run.NumSamples)
	assert.InDelta(t, 1.0, run.Metrics["pearson"], 1e-9)
	assert.Contains(t, run.PerturbationMetrics, "ctrl")

	_, err := repo.GetRun(context.Background(), run.ID)
	assert.NoError(t, err)
}

func TestScoreResults_BadInput(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed", "not an object"},
		{"ragged pred", MetricsRequest{PertCat: []string{"A", "B"}, Pred: [][]float64{{1, 2}, {3}}, Truth: [][]float64{{1, 2}, {3, 4}}}},
		{"label count", MetricsRequest{PertCat: []string{"A"}, Pred: [][]float64{{1}, {2}}, Truth: [][]float64{{1}, {2}}}},
		{"half DE", MetricsRequest{PertCat: []string{"A"}, Pred: [][]float64{{1}}, Truth: [][]float64{{1}}, PredDE: [][]float64{{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/api/metrics", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetRun(t *testing.T) {
	router, repo := setupRouter(t)
	run := storedRun(t, repo)

	w := do(router, http.MethodGet, "/api/runs/"+run.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.EvaluationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Len(t, got.PerturbationMetrics, 1)
}

func TestGetRun_Errors(t *testing.T) {
	router, _ := setupRouter(t)

	w := do(router, http.MethodGet, "/api/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/runs/"+core.NewRunID().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPerturbation(t *testing.T) {
	router, repo := setupRouter(t)
	run := storedRun(t, repo)

	w := do(router, http.MethodGet, "/api/runs/"+run.ID.String()+"/perturbations/KLF1+ctrl", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Perturbation string             `json:"perturbation"`
		Metrics      map[string]float64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "KLF1+ctrl", body.Perturbation)
	assert.Equal(t, 0.4, body.Metrics["mse_de"])

	w = do(router, http.MethodGet, "/api/runs/"+run.ID.String()+"/perturbations/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndDeleteRuns(t *testing.T) {
	router, repo := setupRouter(t)
	run := storedRun(t, repo)
	storedRun(t, repo)

	w := do(router, http.MethodGet, "/api/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(router, http.MethodGet, "/api/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodDelete, "/api/runs/"+run.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := repo.GetRun(context.Background(), run.ID)
	assert.Error(t, err)
}
