package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Collector records relay metrics. The zero value (see Nop) records nothing.
type Collector struct {
	sessionsIssued    metric.Int64Counter
	eventsForwarded   metric.Int64Counter
	eventsDropped     metric.Int64Counter
	connectionsActive metric.Int64UpDownCounter
	streamsActive     metric.Int64UpDownCounter

	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
}

func Nop() *Collector {
	return &Collector{}
}

// New builds a collector backed by its own Prometheus registry.
func New(enabled bool) (*Collector, error) {
	if !enabled {
		return Nop(), nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("verdict-relay")

	c := &Collector{registry: registry, provider: provider}

	if c.sessionsIssued, err = meter.Int64Counter(
		"relay.sessions.issued",
		metric.WithDescription("Session ids issued by /register"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions_issued counter: %w", err)
	}
	if c.eventsForwarded, err = meter.Int64Counter(
		"relay.events.forwarded",
		metric.WithDescription("Ingested events handed to a subscriber"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events_forwarded counter: %w", err)
	}
	if c.eventsDropped, err = meter.Int64Counter(
		"relay.events.dropped",
		metric.WithDescription("Ingested events that reached no subscriber"),
	); err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}
	if c.connectionsActive, err = meter.Int64UpDownCounter(
		"relay.connections.active",
		metric.WithDescription("Open subscription streams"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connections_active gauge: %w", err)
	}
	if c.streamsActive, err = meter.Int64UpDownCounter(
		"relay.ingest.streams.active",
		metric.WithDescription("Open worker ingestion streams"),
	); err != nil {
		return nil, fmt.Errorf("failed to create streams_active gauge: %w", err)
	}

	return c, nil
}

// Handler serves the Prometheus scrape endpoint.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Shutdown(ctx context.Context) error {
	if c.provider == nil {
		return nil
	}
	return c.provider.Shutdown(ctx)
}

func (c *Collector) SessionIssued(ctx context.Context) {
	if c.sessionsIssued == nil {
		return
	}
	c.sessionsIssued.Add(ctx, 1)
}

func (c *Collector) EventForwarded(ctx context.Context, status string) {
	if c.eventsForwarded == nil {
		return
	}
	c.eventsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (c *Collector) EventDropped(ctx context.Context, reason string) {
	if c.eventsDropped == nil {
		return
	}
	c.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (c *Collector) ConnectionOpened(ctx context.Context) {
	if c.connectionsActive == nil {
		return
	}
	c.connectionsActive.Add(ctx, 1)
}

func (c *Collector) ConnectionClosed(ctx context.Context) {
	if c.connectionsActive == nil {
		return
	}
	c.connectionsActive.Add(ctx, -1)
}

func (c *Collector) StreamOpened(ctx context.Context) {
	if c.streamsActive == nil {
		return
	}
	c.streamsActive.Add(ctx, 1)
}

func (c *Collector) StreamClosed(ctx context.Context) {
	if c.streamsActive == nil {
		return
	}
	c.streamsActive.Add(ctx, -1)
}
