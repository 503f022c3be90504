// Package rpcmodel drives a perturbation model served over HTTP.
//
// Request (JSON):
//
//	{"perturbations": ["A+ctrl", ...], "features": [[...], ...], "device": "cpu", "graph": {...}}
//
// Response (JSON):
//
//	{"predictions": [[0.1, 0.2, ...], ...]}
//
// Servers that nest the matrix elsewhere are supported through a gjson path,
// e.g. "outputs.0.data".
package rpcmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/mat"

	"perteval/domain/evaluation"
	"perteval/internal/errors"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultResponsePath = "predictions"
)

type request struct {
	Perturbations []string                `json:"perturbations"`
	Features      [][]float64             `json:"features,omitempty"`
	Device        string                  `json:"device,omitempty"`
	Graph         *evaluation.GeneGraph   `json:"graph,omitempty"`
	Weights       *evaluation.EdgeWeights `json:"weights,omitempty"`
	Eval          bool                    `json:"eval"`
}

// Model is an evaluation.Model backed by a remote prediction service
type Model struct {
	name     string
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	// ResponsePath locates the prediction matrix in the response body
	ResponsePath string

	device string
	eval   bool
}

// NewModel creates an HTTP model client; a zero timeout uses 30s
func NewModel(name, endpoint string, timeout time.Duration) *Model {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Model{
		name:     name,
		Endpoint: endpoint,
		Timeout:  timeout,
		Client:   &http.Client{Timeout: timeout},

		ResponsePath: defaultResponsePath,
	}
}

// Name returns the model name
func (m *Model) Name() string {
	return m.name
}

// Eval marks subsequent requests as inference requests
func (m *Model) Eval() {
	m.eval = true
}

// To records the device forwarded to the service
func (m *Model) To(device string) error {
	if device == "" {
		return fmt.Errorf("empty device")
	}
	m.device = device
	return nil
}

// Device returns the device the model was last moved to
func (m *Model) Device() string {
	return m.device
}

// Forward posts the batch and graph and decodes a samples x genes matrix
func (m *Model) Forward(ctx context.Context, batch *evaluation.Batch, graph *evaluation.GeneGraph, weights *evaluation.EdgeWeights) (*mat.Dense, error) {
	req := request{
		Perturbations: batch.Perts,
		Features:      rows(batch.X),
		Device:        m.device,
		Graph:         graph,
		Weights:       weights,
		Eval:          m.eval,
	}
	return call(ctx, m.Client, m.Timeout, m.Endpoint, m.ResponsePath, req, batch.Size())
}

// NodeModel is one member of a node-specific ensemble served by a single
// endpoint; the member is selected with the node query parameter
type NodeModel struct {
	Endpoint string
	Node     int
	Timeout  time.Duration
	Client   *http.Client
}

// NodeEnsemble builds n node models addressing endpoint?node=i
func NodeEnsemble(endpoint string, n int, timeout time.Duration) ([]evaluation.NodeModel, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid model endpoint %q: %v", endpoint, err))
	}
	client := &http.Client{Timeout: timeout}

	models := make([]evaluation.NodeModel, n)
	for i := 0; i < n; i++ {
		u := *base
		q := u.Query()
		q.Set("node", strconv.Itoa(i))
		u.RawQuery = q.Encode()
		models[i] = &NodeModel{Endpoint: u.String(), Node: i, Timeout: timeout, Client: client}
	}
	return models, nil
}

// Forward posts the batch to the member's endpoint
func (n *NodeModel) Forward(ctx context.Context, batch *evaluation.Batch) (*mat.Dense, error) {
	req := request{
		Perturbations: batch.Perts,
		Features:      rows(batch.X),
		Device:        batch.Device,
		Eval:          true,
	}
	return call(ctx, n.Client, n.Timeout, n.Endpoint, defaultResponsePath, req, batch.Size())
}

func call(ctx context.Context, client *http.Client, timeout time.Duration, endpoint, path string, body request, want int) (*mat.Dense, error) {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.ExternalServiceError("model", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.ExternalServiceError("model", fmt.Errorf("status=%d, read body failed: %w", resp.StatusCode, err))
		}
		return nil, errors.ExternalServiceError("model", fmt.Errorf("status=%d, body=%s", resp.StatusCode, string(data)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ExternalServiceError("model", fmt.Errorf("read response: %w", err))
	}
	predictions, err := decode(data, path)
	if err != nil {
		return nil, errors.ExternalServiceError("model", err)
	}

	if len(predictions) != want {
		return nil, errors.ShapeMismatch("model returned %d prediction rows, expected %d", len(predictions), want)
	}
	return dense(predictions)
}

// decode extracts the prediction matrix at path
func decode(body []byte, path string) ([][]float64, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode response: invalid JSON")
	}
	if path == "" {
		path = defaultResponsePath
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return nil, fmt.Errorf("decode response: no value at %q", path)
	}
	var predictions [][]float64
	if err := json.Unmarshal([]byte(result.Raw), &predictions); err != nil {
		return nil, fmt.Errorf("decode response at %q: %w", path, err)
	}
	return predictions, nil
}

func rows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}

func dense(data [][]float64) (*mat.Dense, error) {
	if len(data) == 0 {
		return nil, errors.ShapeMismatch("model returned no predictions")
	}
	width := len(data[0])
	if width == 0 {
		return nil, errors.ShapeMismatch("model returned empty prediction rows")
	}
	flat := make([]float64, 0, len(data)*width)
	for i, row := range data {
		if len(row) != width {
			return nil, errors.ShapeMismatch("prediction row %d has %d values, expected %d", i, len(row), width)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(len(data), width, flat), nil
}
