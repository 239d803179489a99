// Package grpc holds the client side of the runtime health endpoint.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotServing indicates the health endpoint answered with a status other
// than SERVING.
var ErrNotServing = errors.New("service is not serving")

func dialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// CheckHealth asks the health endpoint at addr once for the named service.
func CheckHealth(ctx context.Context, addr, service string, timeout time.Duration) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("health address is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := gogrpc.NewClient(addr, dialOptions()...)
	if err != nil {
		return fmt.Errorf("dial health %s: %w", addr, err)
	}
	defer conn.Close()

	response, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("check health %s: %w", addr, err)
	}
	if status := response.GetStatus(); status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, status.String())
	}
	return nil
}

// WaitForHealth blocks until the health check reports SERVING for service or
// the context ends.
func WaitForHealth(ctx context.Context, addr, service string, logf func(string, ...any)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := 200 * time.Millisecond
	for {
		err := CheckHealth(ctx, addr, service, time.Second)
		if err == nil {
			if logf != nil {
				logf("health check for %q is SERVING", service)
			}
			return nil
		}
		if logf != nil {
			logf("waiting for health: %v", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
