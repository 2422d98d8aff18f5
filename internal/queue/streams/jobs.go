package streams

import (
	"context"
	"fmt"
)

const (
	// StreamJobs carries indexing job dispatches from the API to workers.
	StreamJobs = "recall.jobs"
	// EventJobRequested announces a freshly created indexing job ready to run.
	EventJobRequested = "job.requested"
	// PayloadV1 is the current payload version for all recall events.
	PayloadV1 = "v1"
)

// Origins recorded on job.requested events.
const (
	OriginAPI      = "api"
	OriginSchedule = "schedule"
)

// JobRequestedPayload is the body of a job.requested event. ChatIDs mirrors
// the chat set recorded on the job row so a worker can start without a
// second lookup; the job row remains the source of truth.
type JobRequestedPayload struct {
	JobID    string  `json:"job_id"`
	TenantID int64   `json:"tenant_id"`
	ChatIDs  []int64 `json:"chat_ids"`
	Origin   string  `json:"origin,omitempty"`
}

var jobRequestedSchema = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "tenant_id", "chat_ids"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "integer"},
    "chat_ids": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 1
    },
    "origin": {"type": "string", "enum": ["api", "schedule"]}
  },
  "additionalProperties": true
}`)

// Definition pairs an event type and payload version with its JSON schema.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

// Definitions returns the schema for every event recall publishes.
func Definitions() []Definition {
	return []Definition{
		{EventType: EventJobRequested, Version: PayloadV1, Schema: jobRequestedSchema},
	}
}

// NewRegistry returns a registry preloaded with every recall event schema.
func NewRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	for _, def := range Definitions() {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return reg, nil
}

// PublishJobRequested wraps the payload in an envelope and appends it to the
// job stream. An empty stream name falls back to StreamJobs.
func PublishJobRequested(ctx context.Context, pub *Publisher, stream string, p JobRequestedPayload, opts ...PublishOption) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("publisher is nil")
	}
	if stream == "" {
		stream = StreamJobs
	}
	return pub.PublishRaw(ctx, stream, EventJobRequested, PayloadV1, p, opts...)
}

// DecodeJobRequested extracts the job payload from a consumed envelope.
func DecodeJobRequested(env Envelope) (JobRequestedPayload, error) {
	if env.EventType != EventJobRequested {
		return JobRequestedPayload{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	var p JobRequestedPayload
	if err := env.Decode(&p); err != nil {
		return JobRequestedPayload{}, err
	}
	if p.JobID == "" {
		return JobRequestedPayload{}, fmt.Errorf("job.requested payload missing job_id")
	}
	return p, nil
}
