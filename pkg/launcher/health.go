package launcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// healthChecker probes a single pattern process. Implementations are
// selected from the manifest's healthcheck.protocol.
type healthChecker interface {
	// Check returns nil when the process reports healthy.
	Check(ctx context.Context) error

	// Target describes what the checker probes, for error messages.
	Target() string

	// Close releases any long-lived probe resources.
	Close() error
}

func newHealthChecker(cfg HealthCheckConfig, healthPort int) (healthChecker, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", healthPort)

	switch cfg.Protocol {
	case "http":
		return &httpChecker{
			url:    fmt.Sprintf("http://%s%s", addr, cfg.Path),
			client: &http.Client{Timeout: cfg.Timeout},
		}, nil

	case "grpc":
		// The connection dials lazily, so this succeeds even before
		// the process is listening. Probes fail until it is.
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("grpc health client: %w", err)
		}
		return &grpcChecker{
			addr:    addr,
			conn:    conn,
			client:  grpc_health_v1.NewHealthClient(conn),
			timeout: cfg.Timeout,
		}, nil

	case "tcp":
		return &tcpChecker{addr: addr, timeout: cfg.Timeout}, nil

	default:
		return nil, fmt.Errorf("unknown health protocol: %s", cfg.Protocol)
	}
}

// httpChecker treats any 2xx response as healthy.
type httpChecker struct {
	url    string
	client *http.Client
}

func (c *httpChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *httpChecker) Target() string { return c.url }
func (c *httpChecker) Close() error   { return nil }

// grpcChecker uses the standard gRPC health protocol.
type grpcChecker struct {
	addr    string
	conn    *grpc.ClientConn
	client  grpc_health_v1.HealthClient
	timeout time.Duration
}

func (c *grpcChecker) Check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status: %s", resp.Status)
	}
	return nil
}

func (c *grpcChecker) Target() string { return "grpc://" + c.addr }
func (c *grpcChecker) Close() error   { return c.conn.Close() }

// tcpChecker considers an accepted connection healthy. Used by
// patterns that expose no health endpoint.
type tcpChecker struct {
	addr    string
	timeout time.Duration
}

func (c *tcpChecker) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *tcpChecker) Target() string { return "tcp://" + c.addr }
func (c *tcpChecker) Close() error   { return nil }
