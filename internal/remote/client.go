// Package remote talks to the scraping backend: it issues start requests and
// pulls batched progress for the poll transport.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/channel"
	"github.com/JakeFAU/scrape-job-tracker/internal/metrics"
)

// Endpoint labels used for rate limiting and metrics.
const (
	EndpointStart    = "start"
	EndpointProgress = "progress"
)

// IdentityHeader carries the opaque user identity token.
const IdentityHeader = "X-User-Identity"

const maxErrorBody = 512

// Config controls the backend client.
type Config struct {
	BaseURL      string
	StartPath    string
	ProgressPath string
	Timeout      time.Duration
	APIKey       string
	UserAgent    string
	RateLimit    LimiterConfig
}

// Coordinates optionally scope a scrape geographically.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// StartRequest is the body of a start call.
type StartRequest struct {
	URL          string       `json:"url"`
	MaxResults   int          `json:"maxResults"`
	JobID        string       `json:"jobId,omitempty"`
	Coordinates  *Coordinates `json:"coordinates,omitempty"`
	UserIdentity string       `json:"userIdentity"`
}

// StartResponse acknowledges a start call.
type StartResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status,omitempty"`
}

type progressRequest struct {
	JobIDs []string `json:"jobIds"`
}

// StatusError is returned for non-2xx backend responses. Its message keeps the
// status line so the recovery classifier can recognise 401/403/429.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("backend %s returned %s", e.Endpoint, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client is an HTTP client for the scraping backend.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	limiter *Limiter
	logger  *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", base.Scheme)
	}
	if cfg.StartPath == "" {
		cfg.StartPath = "/api/jobs/start"
	}
	if cfg.ProgressPath == "" {
		cfg.ProgressPath = "/api/jobs/progress"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scrape-job-tracker"
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		cfg:     cfg,
		http:    httpClient,
		limiter: NewLimiter(cfg.RateLimit),
		logger:  logger,
	}, nil
}

// StartJob asks the backend to begin scraping.
func (c *Client) StartJob(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, EndpointStart, c.cfg.StartPath, req.UserIdentity, req, &resp); err != nil {
		return StartResponse{}, err
	}
	if resp.JobID == "" {
		resp.JobID = req.JobID
	}
	return resp, nil
}

// FetchProgress pulls the current state of ids in one request. It satisfies
// channel.Fetcher.
func (c *Client) FetchProgress(ctx context.Context, ids []string) ([]channel.RemoteTuple, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var raw json.RawMessage
	if err := c.post(ctx, EndpointProgress, c.cfg.ProgressPath, "", progressRequest{JobIDs: ids}, &raw); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	tuples, err := channel.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("backend progress: %w", err)
	}
	return tuples, nil
}

func (c *Client) post(ctx context.Context, endpoint, path, identity string, body, out any) error {
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveBackendRequest(endpoint, "transport_error", time.Since(start))
		return fmt.Errorf("backend %s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close backend response", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.ObserveBackendRequest(endpoint, fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	metrics.ObserveBackendRequest(endpoint, "ok", time.Since(start))

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
