package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/app/rpc"

	"github.com/google/uuid"
)

// Client provides the caller-side broker API. It implements rpc.Backend,
// so rpc.Exec runs over HTTP exactly as it does in-process.
type Client struct {
	httpClient *HTTPClient
}

var _ rpc.Backend = (*Client)(nil)

// New creates a caller client for the broker at baseURL
func New(baseURL string) *Client {
	return &Client{httpClient: NewHTTPClient(baseURL, "")}
}

// QueueCommand queues a command and returns its id
func (c *Client) QueueCommand(ctx context.Context, req domains.CommandRequest) (uuid.UUID, error) {
	var resp dto.CreateCommandResponse
	err := c.httpClient.DoRequest(ctx, "POST", "/v1/commands", dto.CreateCommandRequest{
		MachineID:      req.MachineID,
		Command:        req.Command,
		TargetType:     string(req.Target.Type),
		TargetHost:     req.Target.Host,
		TargetPort:     req.Target.Port,
		TargetUsername: req.Target.Username,
		TimeoutMs:      req.TimeoutMs,
		CreatedBy:      req.CreatedBy,
	}, &resp)
	if err != nil {
		return uuid.Nil, err
	}
	if resp.CommandID == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(resp.CommandID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid command_id in response: %w", err)
	}
	return id, nil
}

// GetCommandResult fetches the result view of a command
func (c *Client) GetCommandResult(ctx context.Context, commandID uuid.UUID) (*domains.CommandResult, error) {
	var res domains.CommandResult
	if err := c.httpClient.DoRequest(ctx, "GET", "/v1/commands/"+commandID.String(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stream reads output produced after the given offsets
func (c *Client) Stream(ctx context.Context, commandID uuid.UUID, stdoutOffset, stderrOffset int) (*domains.CommandStream, error) {
	q := url.Values{}
	q.Set("stdout_offset", strconv.Itoa(stdoutOffset))
	q.Set("stderr_offset", strconv.Itoa(stderrOffset))

	var stream domains.CommandStream
	path := "/v1/commands/" + commandID.String() + "/stream?" + q.Encode()
	if err := c.httpClient.DoRequest(ctx, "GET", path, nil, &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

// ListCommands lists commands with optional filters
func (c *Client) ListCommands(ctx context.Context, filter domains.CommandFilter) ([]dto.CommandResponse, error) {
	q := url.Values{}
	if filter.MachineID != "" {
		q.Set("machine_id", filter.MachineID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var resp dto.CommandListResponse
	if err := c.httpClient.DoRequest(ctx, "GET", "/v1/commands?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// AssignRelay binds a relay to a machine and returns the relay token
func (c *Client) AssignRelay(ctx context.Context, relayID, machineID string) (*dto.AssignRelayResponse, error) {
	var resp dto.AssignRelayResponse
	err := c.httpClient.DoRequest(ctx, "POST", "/v1/assignments", dto.AssignRelayRequest{
		RelayID:   relayID,
		MachineID: machineID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
