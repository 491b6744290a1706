// Package worker provides the HTTP client for the external research worker:
// a blocking run call and an SSE stream consumer.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/finresearch/backend/internal/domain"
)

// RunRequest is the body sent to the worker's run and stream endpoints.
type RunRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
}

// RunResponse is the worker's blocking-run response.
type RunResponse struct {
	Status string            `json:"status"`
	Result domain.Checkpoint `json:"result"`
}

// FrameHandler is called for each data frame parsed from the worker's SSE
// stream. Returning an error aborts the stream.
type FrameHandler func(data []byte) error

// Client is an HTTP client for the worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new worker client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // research runs are long
		},
	}
}

// Run calls the worker's blocking endpoint and waits for the full result.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var runResp RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}
	return &runResp, nil
}

// Stream calls the worker's streaming endpoint and feeds each SSE data
// frame to the handler. A nil return means the worker closed the stream;
// whether that close was clean is for the caller to judge from the frames
// it saw.
func (c *Client) Stream(ctx context.Context, req RunRequest, handler FrameHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open worker stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseSSE(resp.Body, handler)
}

// parseSSE parses a text/event-stream body: frames are blank-line
// delimited, data lines carry a "data:" prefix, multi-line data is joined
// with newlines, comment lines (":") are ignored.
func parseSSE(reader io.Reader, handler FrameHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data []string

	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		merged := strings.Join(data, "\n")
		data = nil
		if strings.TrimSpace(merged) == "" {
			return nil
		}
		return handler([]byte(merged))
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		} else {
			// Tolerate bare lines the way the worker's own republisher
			// does: treat them as data.
			data = append(data, strings.TrimSpace(line))
		}
	}

	if err := flush(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("worker stream broken: %w", err)
	}
	return nil
}
