package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/telesalud/realtime-assistant/internal/shared/config"
)

// HTTPBus publishes events through the KurrentDB HTTP API.
// It is preferred when gRPC does not work across the container network.
type HTTPBus struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
}

// eventData is one entry of an application/vnd.eventstore.events+json body
type eventData struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Data      any    `json:"data"`
}

// NewHTTPBus creates an HTTP publisher and verifies the server answers
func NewHTTPBus(ctx context.Context, cfg config.KurrentDBConfig) (*HTTPBus, error) {
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}

	bus := &HTTPBus{
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if err := bus.ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to KurrentDB via HTTP: %w", err)
	}
	return bus, nil
}

// Publish appends the event to its stream
func (b *HTTPBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	body, err := json.Marshal([]eventData{{
		EventID:   event.ID,
		EventType: event.Type,
		Data:      event,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	url := fmt.Sprintf("%s/streams/%s", b.baseURL, StreamName(event.Type))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/vnd.eventstore.events+json")
	req.Header.Set("ES-ExpectedVersion", "-2") // any version
	b.authorize(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to append events: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func (b *HTTPBus) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/info", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	b.authorize(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBus) authorize(req *http.Request) {
	if b.username != "" && b.password != "" {
		req.SetBasicAuth(b.username, b.password)
	}
}

// Close releases idle connections
func (b *HTTPBus) Close() {
	b.httpClient.CloseIdleConnections()
}

// Health checks the KurrentDB connection via HTTP
func (b *HTTPBus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.ping(ctx)
}
