package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"relay-svc/app/dto"

	"github.com/google/uuid"
)

// RelayClient provides the relay-side broker API
type RelayClient struct {
	httpClient *HTTPClient
}

// NewRelayClient creates a relay client authenticated with token
func NewRelayClient(baseURL, token string) *RelayClient {
	return &RelayClient{httpClient: NewHTTPClient(baseURL, token)}
}

// ListPending returns up to limit pending commands, oldest first
func (c *RelayClient) ListPending(ctx context.Context, limit int) ([]dto.CommandResponse, error) {
	path := "/v1/relay/commands/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp dto.CommandListResponse
	if err := c.httpClient.DoRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// Subscribe opens the pending-commands event stream. Every value is the
// full pending list at that moment. The channel closes when the stream
// ends; a non-nil value on errs explains why, unless ctx was cancelled.
func (c *RelayClient) Subscribe(ctx context.Context) (<-chan []dto.CommandResponse, <-chan error, error) {
	resp, err := c.httpClient.OpenStream(ctx, "/v1/relay/commands/subscribe")
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []dto.CommandResponse)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 16<<20)

		var event string
		var data strings.Builder
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				// Blank line terminates an event
				if event == "pending" && data.Len() > 0 {
					var list dto.CommandListResponse
					if err := json.Unmarshal([]byte(data.String()), &list); err != nil {
						errs <- fmt.Errorf("failed to decode pending event: %w", err)
						return
					}
					select {
					case out <- list.Commands:
					case <-ctx.Done():
						return
					}
				}
				event = ""
				data.Reset()
			case strings.HasPrefix(line, ":"):
				// comment / keep-alive
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("event stream failed: %w", err)
			return
		}
		if ctx.Err() == nil {
			errs <- fmt.Errorf("event stream closed by server")
		}
	}()

	return out, errs, nil
}

// Claim takes ownership of a pending command
func (c *RelayClient) Claim(ctx context.Context, commandID uuid.UUID) (*dto.CommandResponse, error) {
	return c.post(ctx, commandID, "claim", nil)
}

// MarkExecuting reports that the command started
func (c *RelayClient) MarkExecuting(ctx context.Context, commandID uuid.UUID) (*dto.CommandResponse, error) {
	return c.post(ctx, commandID, "executing", nil)
}

// RecordOutput sends the cumulative output captured so far
func (c *RelayClient) RecordOutput(ctx context.Context, commandID uuid.UUID, stdout, stderr *string) (*dto.CommandResponse, error) {
	return c.post(ctx, commandID, "output", dto.PartialOutputRequest{
		PartialOutput: stdout,
		PartialStderr: stderr,
	})
}

// Complete sends the final report
func (c *RelayClient) Complete(ctx context.Context, commandID uuid.UUID, report dto.CompleteRequest) (*dto.CommandResponse, error) {
	return c.post(ctx, commandID, "complete", report)
}

func (c *RelayClient) post(ctx context.Context, commandID uuid.UUID, action string, payload interface{}) (*dto.CommandResponse, error) {
	var resp dto.CommandResponse
	path := "/v1/relay/commands/" + commandID.String() + "/" + action
	if err := c.httpClient.DoRequest(ctx, "POST", path, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
