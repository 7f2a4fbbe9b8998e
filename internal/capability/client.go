package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client is an HTTP JSON adapter implementing every text-generation
// capability against a single base URL. Requests are rate limited so a
// burst of concurrent wave steps cannot flood the generation service.
//
// Endpoints: POST {base}/classify, /generate_code, /review_code,
// /generate_tests, /diagnose. Command execution stays local
// (ExecRunner); the service never runs commands.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientConfig configures the capability client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond caps outbound generation calls; Burst allows
	// short spikes. Zero values disable limiting.
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a capability client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *Client) post(ctx context.Context, endpoint string, req, resp any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", endpoint, httpResp.StatusCode, string(data))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

// Classify implements Classifier.
func (c *Client) Classify(ctx context.Context, stepText, language string) (string, error) {
	var resp struct {
		Kind string `json:"kind"`
	}
	err := c.post(ctx, "/classify", map[string]string{
		"step_text": stepText,
		"language":  language,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Kind, nil
}

// GenerateCommand implements CommandGenerator.
func (c *Client) GenerateCommand(ctx context.Context, stepText, promptContext string) (string, error) {
	var resp struct {
		Command string `json:"command"`
	}
	err := c.post(ctx, "/generate_command", map[string]string{
		"step_text": stepText,
		"context":   promptContext,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Command, nil
}

// GenerateCode implements CodeGenerator.
func (c *Client) GenerateCode(ctx context.Context, stepText, promptContext string) (map[string]string, error) {
	var resp struct {
		Files map[string]string `json:"files"`
	}
	err := c.post(ctx, "/generate_code", map[string]string{
		"step_text": stepText,
		"context":   promptContext,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// ReviewCode implements CodeReviewer.
func (c *Client) ReviewCode(ctx context.Context, files map[string]string, promptContext string) (Review, error) {
	var resp Review
	err := c.post(ctx, "/review_code", map[string]any{
		"files":   files,
		"context": promptContext,
	}, &resp)
	return resp, err
}

// GenerateTests implements TestGenerator.
func (c *Client) GenerateTests(ctx context.Context, files map[string]string, language string) (map[string]string, error) {
	var resp struct {
		Files map[string]string `json:"files"`
	}
	err := c.post(ctx, "/generate_tests", map[string]any{
		"files":    files,
		"language": language,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Diagnose implements Diagnoser.
func (c *Client) Diagnose(ctx context.Context, failureOutput, promptContext string) (Patch, error) {
	var resp struct {
		Patch Patch `json:"patch"`
	}
	err := c.post(ctx, "/diagnose", map[string]string{
		"failure_output": failureOutput,
		"context":        promptContext,
	}, &resp)
	return resp.Patch, err
}
