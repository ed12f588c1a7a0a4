// Package client provides an HTTP client for the search relevance API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/o19s/search-relevance/internal/observability"
	"github.com/o19s/search-relevance/internal/runner"
	"github.com/o19s/search-relevance/internal/sampling"
)

// Client is an HTTP client for the search relevance API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// Timeout is the request timeout. Experiment runs respond
	// synchronously, so this should be generous.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Minute,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// apiError is the server's JSON error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do executes a request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Health reports whether the server is reachable and healthy.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("server status: %s", resp.Status)
	}
	return nil
}

// CreateJudgments runs a click model over the stored behavioral events and
// returns the new judgment set id.
func (c *Client) CreateJudgments(ctx context.Context, clickModel string, maxRank int) (string, error) {
	query := url.Values{}
	if clickModel != "" {
		query.Set("click_model", clickModel)
	}
	if maxRank > 0 {
		query.Set("max_rank", strconv.Itoa(maxRank))
	}

	var resp struct {
		JudgmentsID string `json:"judgments_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/judgments", query, nil, &resp); err != nil {
		return "", err
	}
	return resp.JudgmentsID, nil
}

// DeleteJudgments removes a judgment set.
func (c *Client) DeleteJudgments(ctx context.Context, judgmentsID string) error {
	return c.do(ctx, http.MethodDelete, "/judgments/"+judgmentsID, nil, nil, nil)
}

// QuerySetParams configures query set creation.
type QuerySetParams struct {
	Name        string
	Description string
	Sampling    string
	Size        int
	Seed        int64
}

// CreateQuerySet samples a new query set and returns its id.
func (c *Client) CreateQuerySet(ctx context.Context, params QuerySetParams) (string, error) {
	query := url.Values{}
	query.Set("name", params.Name)
	query.Set("description", params.Description)
	query.Set("sampling", params.Sampling)
	if params.Size > 0 {
		query.Set("query_set_size", strconv.Itoa(params.Size))
	}
	if params.Seed != 0 {
		query.Set("seed", strconv.FormatInt(params.Seed, 10))
	}

	var resp struct {
		QuerySetID string `json:"query_set_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/query_sets", query, nil, &resp); err != nil {
		return "", err
	}
	return resp.QuerySetID, nil
}

// GetQuerySet loads a query set by id.
func (c *Client) GetQuerySet(ctx context.Context, querySetID string) (*sampling.QuerySet, error) {
	var querySet sampling.QuerySet
	if err := c.do(ctx, http.MethodGet, "/query_sets/"+querySetID, nil, nil, &querySet); err != nil {
		return nil, err
	}
	return &querySet, nil
}

// DeleteQuerySet removes a query set.
func (c *Client) DeleteQuerySet(ctx context.Context, querySetID string) error {
	return c.do(ctx, http.MethodDelete, "/query_sets/"+querySetID, nil, nil, nil)
}

// ExperimentParams configures one experiment run.
type ExperimentParams struct {
	QuerySetID            string
	JudgmentsID           string
	Index                 string
	IDField               string
	SearchPipeline        string
	K                     int
	Threshold             float64
	QueryBody             string
	SearchConfigurationID string
}

// RunExperiment runs a query set and returns the scored run result.
func (c *Client) RunExperiment(ctx context.Context, params ExperimentParams) (*runner.QuerySetRunResult, error) {
	query := url.Values{}
	query.Set("query_set_id", params.QuerySetID)
	query.Set("judgments_id", params.JudgmentsID)
	query.Set("index", params.Index)
	if params.IDField != "" {
		query.Set("id_field", params.IDField)
	}
	if params.SearchPipeline != "" {
		query.Set("search_pipeline", params.SearchPipeline)
	}
	if params.K > 0 {
		query.Set("k", strconv.Itoa(params.K))
	}
	if params.Threshold != 0 {
		query.Set("threshold", strconv.FormatFloat(params.Threshold, 'f', -1, 64))
	}
	if params.SearchConfigurationID != "" {
		query.Set("search_configuration_id", params.SearchConfigurationID)
	}

	var body io.Reader
	if params.QueryBody != "" {
		body = strings.NewReader(params.QueryBody)
	}

	var result runner.QuerySetRunResult
	if err := c.do(ctx, http.MethodPost, "/experiments", query, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunHistory returns recent run-level aggregates for one metric, newest
// runs last. A zero since keeps the server's default window.
func (c *Client) RunHistory(ctx context.Context, metric string, since time.Duration) ([]observability.RunPoint, error) {
	query := url.Values{}
	if since > 0 {
		query.Set("since", since.String())
	}

	var resp struct {
		Points []observability.RunPoint `json:"points"`
	}
	if err := c.do(ctx, http.MethodGet, "/history/"+metric, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// CreateSearchConfig stores a reusable query template and returns its id.
func (c *Client) CreateSearchConfig(ctx context.Context, name, queryBody string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"name":       name,
		"query_body": queryBody,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/search_configurations", nil, bytes.NewReader(payload), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ListSearchConfigs returns the stored search configurations.
func (c *Client) ListSearchConfigs(ctx context.Context) ([]runner.SearchConfiguration, error) {
	var resp struct {
		SearchConfigurations []runner.SearchConfiguration `json:"search_configurations"`
	}
	if err := c.do(ctx, http.MethodGet, "/search_configurations", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.SearchConfigurations, nil
}

// DeleteSearchConfig removes a stored search configuration.
func (c *Client) DeleteSearchConfig(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/search_configurations/"+id, nil, nil, nil)
}
