package streams

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	jobsPublished     otelmetric.Int64Counter
	jobChatCount      otelmetric.Int64Histogram
)

func initStreamMetrics() {
	meter := otel.Meter("recall/queue/streams")
	var err error
	jobsPublished, err = meter.Int64Counter(
		"jobs_published_total",
		otelmetric.WithDescription("Indexing jobs published to the job stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: jobs_published_total: %v", err)
	}
	jobChatCount, err = meter.Int64Histogram(
		"job_chats",
		otelmetric.WithDescription("Chats requested per published indexing job"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: job_chats: %v", err)
	}
}

func recordStreamMetrics(ctx context.Context, eventType string, payload []byte) {
	switch eventType {
	case EventJobRequested:
		streamMetricsOnce.Do(initStreamMetrics)
		if jobsPublished == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		origin, _ := doc["origin"].(string)
		attrs := otelmetric.WithAttributes(
			attribute.String("origin", strings.TrimSpace(origin)),
		)
		jobsPublished.Add(contextOrBackground(ctx), 1, attrs)
		if arr, ok := doc["chat_ids"].([]interface{}); ok && jobChatCount != nil {
			jobChatCount.Record(contextOrBackground(ctx), int64(len(arr)), attrs)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
