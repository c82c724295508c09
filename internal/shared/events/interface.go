package events

import (
	"context"
	"fmt"
	"time"

	"github.com/telesalud/realtime-assistant/internal/shared/config"
)

// Publisher appends lifecycle events to the event store
type Publisher interface {
	// Publish appends an event to the stream derived from its type
	Publish(ctx context.Context, event Event) error

	// Close closes the event store connection
	Close()

	// Health checks the event store connection
	Health() error
}

// NewPublisher connects to KurrentDB, trying HTTP first and falling back to gRPC
func NewPublisher(ctx context.Context, cfg config.KurrentDBConfig) (Publisher, string, error) {
	// HTTP is more reliable across Docker network configurations
	httpBus, err := tryHTTPBus(ctx, cfg)
	if err == nil {
		return httpBus, "http", nil
	}
	httpErr := err

	grpcBus, err := tryGRPCBus(ctx, cfg)
	if err == nil {
		return grpcBus, "grpc", nil
	}

	return nil, "", fmt.Errorf("failed to connect to KurrentDB: HTTP error: %v, gRPC error: %v", httpErr, err)
}

func tryHTTPBus(ctx context.Context, cfg config.KurrentDBConfig) (Publisher, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return NewHTTPBus(timeoutCtx, cfg)
}

func tryGRPCBus(ctx context.Context, cfg config.KurrentDBConfig) (Publisher, error) {
	bus, err := NewBus(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("gRPC health check failed: %w", err)
	}

	return bus, nil
}

var _ Publisher = (*Bus)(nil)
var _ Publisher = (*HTTPBus)(nil)
