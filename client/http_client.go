// Package client talks to the broker HTTP API, both as a caller queueing
// commands and as a relay executing them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
)

// HTTPClient is a basic HTTP client wrapper
type HTTPClient struct {
	baseURL    string
	jwtToken   string
	httpClient *http.Client
	// streamClient has no overall timeout; streams end with their context
	streamClient *http.Client
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(baseURL string, jwtToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		jwtToken: jwtToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// StatusError is a non-success response from the broker. It unwraps to
// the domain error the status and message stand for, so callers branch
// with errors.Is exactly as they would in-process.
type StatusError struct {
	StatusCode int
	Message    string
	Details    map[string]string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response onto a domain error
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return &domains.ValidationError{Field: e.Details["field"], Message: e.Message}
	case http.StatusNotFound:
		if e.Message == domains.ErrAssignmentNotFound.Error() {
			return domains.ErrAssignmentNotFound
		}
		return domains.ErrCommandNotFound
	case http.StatusForbidden:
		if e.Message == domains.ErrRelayDisabled.Error() {
			return domains.ErrRelayDisabled
		}
		return domains.ErrNotClaimant
	case http.StatusConflict:
		switch e.Message {
		case domains.ErrNotPending.Error():
			return domains.ErrNotPending
		case domains.ErrAlreadyTerminal.Error():
			return domains.ErrAlreadyTerminal
		}
		return domains.ErrInvalidTransition
	}
	return nil
}

// DoRequest sends payload as JSON and decodes a 2xx response into out
func (c *HTTPClient) DoRequest(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	resp, err := c.send(ctx, c.httpClient, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OpenStream issues a GET whose response body is read incrementally. The
// caller closes the body.
func (c *HTTPClient) OpenStream(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, c.streamClient, http.MethodGet, path, nil)
}

func (c *HTTPClient) send(ctx context.Context, hc *http.Client, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwtToken)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var errResp dto.ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Error != "" {
		statusErr.Message = errResp.Error
		statusErr.Details = errResp.Details
	} else {
		statusErr.Message = strings.TrimSpace(string(bodyBytes))
		if statusErr.Message == "" {
			statusErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return statusErr
}
