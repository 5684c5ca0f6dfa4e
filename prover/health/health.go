// Package health checks that the node the orchestrator depends on is up.
package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rollupkit/orchestrator/config"
)

// ErrUnhealthy is returned when the node answers but reports it is not serving.
var ErrUnhealthy = errors.New("node unhealthy")

// Checker probes a node.
type Checker interface {
	Check(ctx context.Context) error
	Close() error
}

// New returns the checker described by cfg.
func New(cfg *config.HealthCheckConfig) (Checker, error) {
	switch cfg.Kind {
	case config.HealthCheckGRPC:
		return NewGRPCChecker(cfg.Endpoint, cfg.Service)
	case config.HealthCheckJSONRPC:
		return NewJSONRPCChecker(cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported health check kind '%s'", cfg.Kind)
	}
}

// GRPCChecker uses the standard gRPC health checking protocol.
type GRPCChecker struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCChecker returns a checker for the gRPC server at target. Local
// targets are dialed without TLS.
func NewGRPCChecker(target string, service string, opts ...grpc.DialOption) (*GRPCChecker, error) {
	if len(opts) == 0 {
		if isLocal(target) {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		} else {
			creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
			opts = append(opts, grpc.WithTransportCredentials(creds))
		}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &GRPCChecker{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}, nil
}

// Check implements Checker.
func (c *GRPCChecker) Check(ctx context.Context) error {
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		return fmt.Errorf("grpc health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrUnhealthy, resp.GetStatus())
	}
	return nil
}

// Close implements Checker.
func (c *GRPCChecker) Close() error {
	return c.conn.Close()
}

// JSONRPCChecker calls node_getVersion on a JSON-RPC node.
type JSONRPCChecker struct {
	endpoint string
}

// NewJSONRPCChecker returns a checker for the JSON-RPC node at endpoint.
func NewJSONRPCChecker(endpoint string) *JSONRPCChecker {
	return &JSONRPCChecker{endpoint: endpoint}
}

// Check implements Checker.
func (c *JSONRPCChecker) Check(ctx context.Context) error {
	client, err := rpc.DialContext(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.endpoint, err)
	}
	defer client.Close()

	var version string
	if err := client.CallContext(ctx, &version, "node_getVersion"); err != nil {
		return fmt.Errorf("node_getVersion: %w", err)
	}
	if version == "" {
		return fmt.Errorf("%w: empty node version", ErrUnhealthy)
	}
	return nil
}

// Close implements Checker.
func (c *JSONRPCChecker) Close() error {
	return nil
}

func isLocal(target string) bool {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if strings.HasPrefix(target, "unix:") || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
