// Package api implements the wire contract with the remote collection
// service. The engine only ships reading batches; enrolment and questionnaire
// fetches happen upstream and land in the config store.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	readingBatchPath      = "/v1/reading/batch"
	defaultRequestTimeout = 30 * time.Second
)

var (
	// ErrInvalidClientConfig indicates the client was constructed without a base URL.
	ErrInvalidClientConfig = errors.New("api: invalid client config")
)

// StatusError reports a non-2xx response from the collection service. It is
// permanent for the cycle that observed it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: server rejected request with status %d", e.StatusCode)
}

// ReadingPayload is one element of the batch body.
type ReadingPayload struct {
	SensorType string `json:"sensorType"`
	Timestamp  int64  `json:"timestamp"`
	Data       string `json:"data"`
}

// ClientConfig bundles configuration for the ingestion client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote ingestion endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidClientConfig)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// PostReadingBatch submits one ordered batch of readings under bearer-token
// authorization. A 2xx response acknowledges the whole batch; a non-2xx
// response returns a StatusError; transport failures pass through unwrapped
// for retry classification by the caller.
func (c *Client) PostReadingBatch(ctx context.Context, token string, batch []ReadingPayload) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("api: encode reading batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+readingBatchPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api: build batch request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &StatusError{StatusCode: response.StatusCode, Body: string(snippet)}
	}

	c.logger.Debug("reading batch acknowledged", zap.Int("batch_size", len(batch)))
	return nil
}
