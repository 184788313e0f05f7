package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys of the resilience metrics.
var (
	AttrEntityType = attribute.Key("entity_type")
	AttrOperation  = attribute.Key("operation")
	AttrBreaker    = attribute.Key("breaker")
	AttrFromState  = attribute.Key("from_state")
	AttrToState    = attribute.Key("to_state")
	AttrChannel    = attribute.Key("channel")
	AttrEventType  = attribute.Key("event_type")
	AttrReason     = attribute.Key("reason")
	AttrProcess    = attribute.Key("process")
)

type counter struct {
	metric.Int64Counter
}

func (c counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ResilienceMetrics records cache, breaker, event and supervisor activity.
// A nil *ResilienceMetrics is valid and records nothing.
type ResilienceMetrics struct {
	cacheHits          counter
	cacheMisses        counter
	cacheErrors        counter
	breakerTransitions counter
	eventsPublished    counter
	eventsConsumed     counter
	eventsDropped      counter
	workerRestarts     counter
	workerFailures     counter
}

// NewResilienceMetrics registers all resilience instruments on meter.
func NewResilienceMetrics(meter metric.Meter) (*ResilienceMetrics, error) {
	m := &ResilienceMetrics{}

	defs := []struct {
		dst         *counter
		name        string
		description string
		unit        string
	}{
		{&m.cacheHits, "cache_hits_total", "Cache lookups served from the cache", "{lookup}"},
		{&m.cacheMisses, "cache_misses_total", "Cache lookups that found nothing usable", "{lookup}"},
		{&m.cacheErrors, "cache_errors_total", "Cache backend failures absorbed by the store", "{error}"},
		{&m.breakerTransitions, "circuit_breaker_transitions_total", "Circuit breaker state transitions", "{transition}"},
		{&m.eventsPublished, "events_published_total", "Change events published", "{event}"},
		{&m.eventsConsumed, "events_consumed_total", "Change events handled successfully", "{event}"},
		{&m.eventsDropped, "events_dropped_total", "Change events dropped by the consumer", "{event}"},
		{&m.workerRestarts, "supervisor_restarts_total", "Background worker restarts", "{restart}"},
		{&m.workerFailures, "supervisor_failures_total", "Background workers given up after exhausting retries", "{failure}"},
	}

	for _, d := range defs {
		c, err := meter.Int64Counter(d.name, metric.WithDescription(d.description), metric.WithUnit(d.unit))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", d.name, err)
		}
		d.dst.Int64Counter = c
	}

	return m, nil
}

// RecordCacheHit counts a cache hit.
func (m *ResilienceMetrics) RecordCacheHit(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.cacheHits.Inc(ctx, AttrEntityType.String(entityType))
}

// RecordCacheMiss counts a cache miss.
func (m *ResilienceMetrics) RecordCacheMiss(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.cacheMisses.Inc(ctx, AttrEntityType.String(entityType))
}

// RecordCacheError counts a swallowed cache backend failure.
func (m *ResilienceMetrics) RecordCacheError(ctx context.Context, entityType, operation string) {
	if m == nil {
		return
	}
	m.cacheErrors.Inc(ctx, AttrEntityType.String(entityType), AttrOperation.String(operation))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *ResilienceMetrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Inc(ctx,
		AttrBreaker.String(name),
		AttrFromState.String(from),
		AttrToState.String(to),
	)
}

// RecordEventPublished counts a published change event.
func (m *ResilienceMetrics) RecordEventPublished(ctx context.Context, channel, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Inc(ctx, AttrChannel.String(channel), AttrEventType.String(eventType))
}

// RecordEventConsumed counts a successfully handled change event.
func (m *ResilienceMetrics) RecordEventConsumed(ctx context.Context, channel, eventType string) {
	if m == nil {
		return
	}
	m.eventsConsumed.Inc(ctx, AttrChannel.String(channel), AttrEventType.String(eventType))
}

// RecordEventDropped counts an event the consumer could not handle.
func (m *ResilienceMetrics) RecordEventDropped(ctx context.Context, channel, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc(ctx, AttrChannel.String(channel), AttrReason.String(reason))
}

// RecordWorkerRestart counts a supervised worker restart.
func (m *ResilienceMetrics) RecordWorkerRestart(ctx context.Context, process string) {
	if m == nil {
		return
	}
	m.workerRestarts.Inc(ctx, AttrProcess.String(process))
}

// RecordWorkerFailed counts a supervised worker that exhausted its retries.
func (m *ResilienceMetrics) RecordWorkerFailed(ctx context.Context, process string) {
	if m == nil {
		return
	}
	m.workerFailures.Inc(ctx, AttrProcess.String(process))
}
