package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestNewResilienceMetrics_NoopMeter(t *testing.T) {
	m, err := NewResilienceMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordCacheHit(ctx, "product")
		m.RecordCacheMiss(ctx, "product")
		m.RecordCacheError(ctx, "product", "get")
		m.RecordBreakerTransition(ctx, "customer_service", "closed", "open")
		m.RecordEventPublished(ctx, "product_events", "created")
		m.RecordEventConsumed(ctx, "product_events", "created")
		m.RecordEventDropped(ctx, "product_events", "malformed")
		m.RecordWorkerRestart(ctx, "event_consumer")
		m.RecordWorkerFailed(ctx, "event_consumer")
	})
}

func TestResilienceMetrics_NilReceiver(t *testing.T) {
	var m *ResilienceMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordCacheHit(ctx, "product")
		m.RecordBreakerTransition(ctx, "peer", "open", "half-open")
		m.RecordWorkerFailed(ctx, "consumer")
	})
}

func TestResilienceMetrics_RecordsCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewResilienceMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCacheHit(ctx, "product")
	m.RecordCacheHit(ctx, "product")
	m.RecordCacheMiss(ctx, "customer")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	hits := findSum(t, rm, "cache_hits_total")
	require.Len(t, hits.DataPoints, 1)
	assert.Equal(t, int64(2), hits.DataPoints[0].Value)
	v, ok := hits.DataPoints[0].Attributes.Value(attribute.Key("entity_type"))
	require.True(t, ok)
	assert.Equal(t, "product", v.AsString())

	misses := findSum(t, rm, "cache_misses_total")
	require.Len(t, misses.DataPoints, 1)
	assert.Equal(t, int64(1), misses.DataPoints[0].Value)
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == name {
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok, "metric %s is not an int64 sum", name)
				return sum
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Sum[int64]{}
}

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, p.TracingEnabled())
	assert.False(t, p.MetricsEnabled())
	assert.NotNil(t, p.Tracer("test"))
	assert.NotNil(t, p.Meter("test"))
	assert.NotNil(t, p.TracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestServiceResource(t *testing.T) {
	res, err := serviceResource(Config{ServiceName: "product-service", ServiceVersion: "2.1.0"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "product-service", attrs["service.name"])
	assert.Equal(t, "2.1.0", attrs["service.version"])
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", samplerFor(1).Description())
	assert.Equal(t, "AlwaysOffSampler", samplerFor(0).Description())
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}
