// Package api is a minimal JSON client for the workshop REST backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/atelier/pkg/workshop"
)

// DefaultTimeout bounds a single REST call.
const DefaultTimeout = 30 * time.Second

// Client calls the workshop REST endpoints. Every method returns the
// backend's authoritative data; failures are *workshop.RequestError.
type Client struct {
	BaseURL    string
	Headers    map[string]string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Headers:    map[string]string{},
		HTTPClient: &http.Client{},
		Timeout:    DefaultTimeout,
	}
}

// GetWorkshop fetches the authoritative workshop snapshot.
func (c *Client) GetWorkshop(ctx context.Context, workshopID string) (*workshop.Workshop, error) {
	var resp workshop.Workshop
	if err := c.do(ctx, http.MethodGet, workshop.WorkshopPath(workshopID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Advance commits a transition to target and returns the updated workshop.
func (c *Client) Advance(ctx context.Context, workshopID string, target workshop.Phase) (*workshop.Workshop, error) {
	var resp workshop.Workshop
	body := workshop.AdvanceRequest{TargetPhase: target}
	if err := c.do(ctx, http.MethodPost, workshop.AdvancePath(workshopID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunEmpathyStep starts one Empathy sub-step.
func (c *Client) RunEmpathyStep(ctx context.Context, workshopID string, step workshop.EmpathyStep) (*workshop.EmpathyResults, error) {
	var resp workshop.EmpathyResults
	path := workshop.PhasePath(workshopID, workshop.PhaseEmpathy, workshop.EmpathyStepAction(step))
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmpathySummary fetches the Empathy snapshot for resume.
func (c *Client) EmpathySummary(ctx context.Context, workshopID string) (*workshop.EmpathyResults, error) {
	var resp workshop.EmpathyResults
	path := workshop.PhasePath(workshopID, workshop.PhaseEmpathy, "summary")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateIdeas starts idea generation with technique.
func (c *Client) GenerateIdeas(ctx context.Context, workshopID string, technique workshop.Technique) (*workshop.IdeationResults, error) {
	var resp workshop.IdeationResults
	body := map[string]any{"technique": technique}
	path := workshop.PhasePath(workshopID, workshop.PhaseIdeation, "generate")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IdeationResults fetches the Ideation snapshot.
func (c *Client) IdeationResults(ctx context.Context, workshopID string) (*workshop.IdeationResults, error) {
	var resp workshop.IdeationResults
	path := workshop.PhasePath(workshopID, workshop.PhaseIdeation, "results")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartVoting starts a voting round with method.
func (c *Client) StartVoting(ctx context.Context, workshopID string, method workshop.VotingMethod) (*workshop.ConvergenceResults, error) {
	var resp workshop.ConvergenceResults
	body := map[string]any{"voting_method": method}
	path := workshop.PhasePath(workshopID, workshop.PhaseConvergence, "vote")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveSelection persists the ideas selected to progress past Convergence.
func (c *Client) SaveSelection(ctx context.Context, workshopID string, ideaIDs []string) (*workshop.ConvergenceResults, error) {
	var resp workshop.ConvergenceResults
	body := map[string]any{"idea_ids": ideaIDs}
	path := workshop.PhasePath(workshopID, workshop.PhaseConvergence, "select")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConvergenceResults fetches the Convergence snapshot.
func (c *Client) ConvergenceResults(ctx context.Context, workshopID string) (*workshop.ConvergenceResults, error) {
	var resp workshop.ConvergenceResults
	path := workshop.PhasePath(workshopID, workshop.PhaseConvergence, "results")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnalyzeTRIZ starts TRIZ analysis of the given ideas.
func (c *Client) AnalyzeTRIZ(ctx context.Context, workshopID string, ideaIDs []string) (*workshop.TRIZResults, error) {
	var resp workshop.TRIZResults
	body := map[string]any{"idea_ids": ideaIDs}
	path := workshop.PhasePath(workshopID, workshop.PhaseTRIZ, "analyze")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TRIZResults fetches the TRIZ snapshot.
func (c *Client) TRIZResults(ctx context.Context, workshopID string) (*workshop.TRIZResults, error) {
	var resp workshop.TRIZResults
	path := workshop.PhasePath(workshopID, workshop.PhaseTRIZ, "results")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChooseFinal records the final idea.
func (c *Client) ChooseFinal(ctx context.Context, workshopID, ideaID string) (*workshop.SelectionResults, error) {
	var resp workshop.SelectionResults
	body := map[string]any{"idea_id": ideaID}
	path := workshop.PhasePath(workshopID, workshop.PhaseSelection, "choose")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateReport requests the final report.
func (c *Client) GenerateReport(ctx context.Context, workshopID string) (*workshop.SelectionResults, error) {
	var resp workshop.SelectionResults
	path := workshop.PhasePath(workshopID, workshop.PhaseSelection, "report")
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SelectionResults fetches the Selection snapshot.
func (c *Client) SelectionResults(ctx context.Context, workshopID string) (*workshop.SelectionResults, error) {
	var resp workshop.SelectionResults
	path := workshop.PhasePath(workshopID, workshop.PhaseSelection, "results")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &workshop.RequestError{Method: method, Path: path, Err: fmt.Errorf("failed to encode body: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, &buf)
	if err != nil {
		return &workshop.RequestError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &workshop.RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return decodeError(method, path, resp.StatusCode, b)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return &workshop.RequestError{
				Method: method,
				Path:   path,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("failed to decode response: %w", err),
			}
		}
	}
	return nil
}

// decodeError turns a non-2xx response into a RequestError, reading the
// {detail|message, code?} error shape when the body has it.
func decodeError(method, path string, status int, body []byte) error {
	re := &workshop.RequestError{Method: method, Path: path, Status: status}

	var shape struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(body, &shape); err == nil {
		re.Message = firstNonEmpty(rawText(shape.Detail), shape.Message)
		re.Code = rawText(shape.Code)
	}
	if re.Message == "" {
		re.Message = strings.TrimSpace(string(body))
	}
	if re.Message == "" {
		re.Message = http.StatusText(status)
	}
	return re
}

// rawText renders a JSON scalar as text. Structured details, such as
// validation error lists, are kept as compact JSON.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
