// Package judge talks to a Judge0-compatible execution service.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultMaxConcurrency = 16
	maxErrorBodyBytes     = 1 << 10
	authHeader            = "X-Auth-Token"
)

// Config holds the judge endpoint settings.
type Config struct {
	BaseURL        string        `yaml:"baseURL"`
	AuthToken      string        `yaml:"authToken"`
	CallbackURL    string        `yaml:"callbackURL"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	// MemoryLimitStatus lists extra status ids reported as MEMORY_LIMIT_EXCEED.
	MemoryLimitStatus []int `yaml:"memoryLimitStatus"`
}

// ExecutionRequest is one run of the source against one test case.
type ExecutionRequest struct {
	Source         string
	Language       int // judge-side language id
	Stdin          string
	ExpectedOutput string
	MemoryLimitKB  int
	TimeLimitSec   float64
	ThreadLimit    int
	NetworkAllowed bool
	CallbackURL    string
}

// DispatchResult is the outcome of submitting one ExecutionRequest.
type DispatchResult struct {
	Index int
	Token string
	Err   error
}

// DispatchError reports the first request the judge did not accept.
type DispatchError struct {
	Index      int
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("judge rejected request %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("judge rejected request %d: status %d: %s", e.Index, e.StatusCode, e.Body)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Client submits execution requests to the judge.
type Client struct {
	baseURL        string
	authToken      string
	maxConcurrency int
	httpClient     *http.Client
}

// NewClient builds a Client with its own http.Client.
func NewClient(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewClientWithHTTP(cfg, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP builds a Client around an existing http.Client.
func NewClientWithHTTP(cfg Config, httpClient *http.Client) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("judge baseURL is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	return &Client{
		baseURL:        baseURL,
		authToken:      cfg.AuthToken,
		maxConcurrency: limit,
		httpClient:     httpClient,
	}, nil
}

type submissionBody struct {
	SourceCode               string  `json:"source_code"`
	LanguageID               int     `json:"language_id"`
	Stdin                    string  `json:"stdin"`
	ExpectedOutput           string  `json:"expected_output"`
	CPUTimeLimit             float64 `json:"cpu_time_limit,omitempty"`
	MemoryLimit              int     `json:"memory_limit,omitempty"`
	MaxProcessesAndOrThreads int     `json:"max_processes_and_or_threads,omitempty"`
	EnableNetwork            bool    `json:"enable_network"`
	CallbackURL              string  `json:"callback_url,omitempty"`
}

type submissionResponse struct {
	Token string `json:"token"`
}

// Submit sends one request and returns the judge token.
func (c *Client) Submit(ctx context.Context, req ExecutionRequest) (string, error) {
	payload, err := json.Marshal(submissionBody{
		SourceCode:               req.Source,
		LanguageID:               req.Language,
		Stdin:                    req.Stdin,
		ExpectedOutput:           req.ExpectedOutput,
		CPUTimeLimit:             req.TimeLimitSec,
		MemoryLimit:              req.MemoryLimitKB,
		MaxProcessesAndOrThreads: req.ThreadLimit,
		EnableNetwork:            req.NetworkAllowed,
		CallbackURL:              req.CallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submission failed: %w", err)
	}

	url := c.baseURL + "/submissions?base64_encoded=false&wait=false"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set(authHeader, c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response body failed: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &DispatchError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var out submissionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &DispatchError{StatusCode: resp.StatusCode, Body: truncate(body), Err: fmt.Errorf("decode response failed: %w", err)}
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", &DispatchError{StatusCode: resp.StatusCode, Body: truncate(body), Err: fmt.Errorf("response has no token")}
	}
	return out.Token, nil
}

// Dispatch sends all requests concurrently and waits for every one of them.
// It fails unless every request was accepted; the error is a *DispatchError
// naming the lowest failing index. Results are returned in both cases so the
// caller can see which tokens were issued.
func (c *Client) Dispatch(ctx context.Context, reqs []ExecutionRequest) ([]DispatchResult, error) {
	results := make([]DispatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for i := range reqs {
		g.Go(func() error {
			token, err := c.Submit(ctx, reqs[i])
			results[i] = DispatchResult{Index: i, Token: token, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err == nil {
			continue
		}
		issued := 0
		for _, other := range results {
			if other.Err == nil {
				issued++
			}
		}
		logger.Warn(ctx, "judge dispatch incomplete",
			zap.Int("failed_index", r.Index),
			zap.Int("requests", len(reqs)),
			zap.Int("tokens_issued", issued),
			zap.Error(r.Err),
		)
		return results, asDispatchError(r.Index, r.Err)
	}
	return results, nil
}

func asDispatchError(index int, err error) *DispatchError {
	if de, ok := err.(*DispatchError); ok {
		out := *de
		out.Index = index
		return &out
	}
	return &DispatchError{Index: index, Err: err}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return strings.TrimSpace(string(body))
}
