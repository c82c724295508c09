// Package analysis calls the external clinical analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/telesalud/realtime-assistant/internal/framework"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
	"github.com/telesalud/realtime-assistant/internal/shared/metrics"
)

// Endpoint paths per consultation type
const (
	EndpointAutism  = "/api/ollama/autism-assessment"
	EndpointADHD    = "/api/ollama/adhd-evaluation"
	EndpointGeneral = "/api/ollama/general-medical"
)

var endpoints = map[framework.ConsultationType]string{
	framework.TypeAutism:     EndpointAutism,
	framework.TypeADHD:       EndpointADHD,
	framework.TypeGeneral:    EndpointGeneral,
	framework.TypeDepression: EndpointGeneral,
	framework.TypeAnxiety:    EndpointGeneral,
}

// maxErrorBody bounds how much of a failed response is kept for logs
const maxErrorBody = 2048

// StatusError is returned for non-200 responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the analysis service over HTTP
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a new analysis client
func NewClient(cfg config.AnalysisConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// EndpointFor returns the path used for ctype
func EndpointFor(ctype framework.ConsultationType) string {
	if ep, ok := endpoints[ctype]; ok {
		return ep
	}
	return EndpointGeneral
}

// Analyze posts one statement snapshot and decodes the response.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	ctype := framework.ConsultationType(req.ConsultationType)
	url := c.baseURL + EndpointFor(ctype)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordAnalysisRequest(string(ctype), "error", time.Since(start))
		return nil, fmt.Errorf("failed to call analysis service: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordAnalysisRequest(string(ctype), fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}
	return &result, nil
}
