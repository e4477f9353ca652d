// Package envmanager announces the aggregator to the environment manager
// and learns which publisher endpoints to listen on.
package envmanager

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
)

// ErrRegistrationTimeout is returned when the environment manager does not
// answer within the client's timeout.
var ErrRegistrationTimeout = errors.New("registration timed out")

// DefaultTimeout bounds a registration round trip.
const DefaultTimeout = 3 * time.Second

type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type registerRequest struct {
	InstanceID string `json:"instance_id"`
	Endpoint   string `json:"endpoint"`
}

type registerResponse struct {
	PublisherEndpoints []string `json:"publisher_endpoints"`
}

// Register announces this aggregator's control endpoint and returns the
// publisher endpoints control messages will arrive from.
func (c *Client) Register(ctx context.Context, instanceID, endpoint string) ([]string, error) {
	body, err := json.Marshal(registerRequest{InstanceID: instanceID, Endpoint: endpoint})
	if err != nil {
		return nil, fmt.Errorf("marshal registration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/aggregation-servers", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("register with %s after %s: %w", c.baseURL, c.timeout, ErrRegistrationTimeout)
		}
		return nil, fmt.Errorf("register with %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("register with %s: status %d: %s", c.baseURL, resp.StatusCode, string(respBody))
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("register with %s after %s: %w", c.baseURL, c.timeout, ErrRegistrationTimeout)
		}
		return nil, fmt.Errorf("decode registration reply: %w", err)
	}
	if len(out.PublisherEndpoints) == 0 {
		return nil, fmt.Errorf("register with %s: reply lists no publisher endpoints", c.baseURL)
	}
	return out.PublisherEndpoints, nil
}
