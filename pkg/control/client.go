package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Client is the request side of the control API.
type Client struct {
	nc *nats.Conn
}

// NewClient wraps an existing NATS connection.
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Connect dials NATS and returns a client over the connection.
func Connect(url string, opts ...nats.Option) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{nc: nc}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.nc.Close()
}

// Launch requests a pattern process and returns its handle.
func (c *Client) Launch(ctx context.Context, req LaunchRequest) (*LaunchResponse, error) {
	var resp LaunchResponse
	if err := c.request(ctx, SubjectLaunch, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns a snapshot of tracked processes.
func (c *Client) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	var resp ListResponse
	if err := c.request(ctx, SubjectList, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Terminate stops a process by ID.
func (c *Client) Terminate(ctx context.Context, req TerminateRequest) (*TerminateResponse, error) {
	var resp TerminateResponse
	if err := c.request(ctx, SubjectTerminate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches one process by ID.
func (c *Client) Status(ctx context.Context, processID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.request(ctx, SubjectStatus, StatusRequest{ProcessID: processID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the launcher health summary.
func (c *Client) Health(ctx context.Context, includeProcesses bool) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.request(ctx, SubjectHealth, HealthRequest{IncludeProcesses: includeProcesses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Patterns lists the discovered manifests.
func (c *Client) Patterns(ctx context.Context) (*PatternsResponse, error) {
	var resp PatternsResponse
	if err := c.request(ctx, SubjectPatterns, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload triggers a manifest re-scan.
func (c *Client) Reload(ctx context.Context) (*ReloadResponse, error) {
	var resp ReloadResponse
	if err := c.request(ctx, SubjectReload, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) request(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}

	// micro services signal handler errors through headers.
	if code := msg.Header.Get("Nats-Service-Error-Code"); code != "" {
		return &APIError{
			Code:        code,
			Description: msg.Header.Get("Nats-Service-Error"),
			Body:        string(msg.Data),
		}
	}

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", subject, err)
	}
	return nil
}

// APIError is a control API error response.
type APIError struct {
	Code        string
	Description string
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("launcher API error %s: %s", e.Code, e.Description)
}
