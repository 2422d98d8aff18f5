// Package worker consumes job.requested events and drives each indexing
// job through the coordinator. Stream entries are acked only after the job
// reaches a terminal state; entries abandoned by a crashed worker are
// reclaimed through XAUTOCLAIM once they have sat idle longer than any
// healthy run could take.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/queue/streams"
)

const (
	readBlock     = 5 * time.Second
	readCount     = 16
	claimInterval = time.Minute
	claimSlack    = time.Minute
	lagInterval   = time.Minute
)

// Runner executes one indexing job to completion. A nil return means the
// job reached a terminal state, including failures the coordinator recorded
// itself, and the stream entry can be acked. An error means the job is
// still live and the entry must stay pending for redelivery.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Jobs is the stream surface the processor consumes from.
type Jobs interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	LagMetrics(ctx context.Context, stream string) (streams.LagMetrics, error)
}

// Processor is the long-running consumer loop of a worker process.
type Processor struct {
	logger        *log.Logger
	runner        Runner
	jobs          Jobs
	cfg           config.WorkerConfig
	tracer        trace.Tracer
	jobsProcessed otelmetric.Int64Counter
	jobsRetried   otelmetric.Int64Counter
	jobsReclaimed otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, runner Runner, jobs Jobs, cfg config.WorkerConfig, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}

	proc := &Processor{
		logger: logger,
		runner: runner,
		jobs:   jobs,
		cfg:    cfg.Normalize(),
		tracer: tracer,
	}
	if meter != nil {
		var err error
		proc.jobsProcessed, err = meter.Int64Counter("worker_jobs_processed")
		if err != nil {
			logger.Printf("warn: create processed counter failed: %v", err)
		}
		proc.jobsRetried, err = meter.Int64Counter("worker_jobs_redelivered")
		if err != nil {
			logger.Printf("warn: create redelivered counter failed: %v", err)
		}
		proc.jobsReclaimed, err = meter.Int64Counter("worker_jobs_reclaimed")
		if err != nil {
			logger.Printf("warn: create reclaimed counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, consuming job events until the context is cancelled. The
// first loop pass reclaims entries abandoned before this worker came up.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker %s starting; stream=%s group=%s", p.cfg.Consumer, p.cfg.Stream, p.cfg.Group)

	var lastClaim time.Time
	claimCursor := "0-0"
	lastLag := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			claimCursor = p.reclaimAbandoned(ctx, claimCursor)
			lastClaim = time.Now()
		}
		if time.Since(lastLag) >= lagInterval {
			p.logLag(ctx)
			lastLag = time.Now()
		}

		msgs, err := p.jobs.Read(ctx, p.cfg.Stream, streams.WithBlock(readBlock), streams.WithCount(readCount))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading job stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.drain(ctx, msgs)
	}
}

// drain handles a batch, acking each entry whose job reached a terminal
// state and leaving the rest pending.
func (p *Processor) drain(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := p.handle(ctx, msg); err != nil {
			p.logger.Printf("entry %s left pending for redelivery: %v", msg.ID, err)
			if p.jobsRetried != nil {
				p.jobsRetried.Add(ctx, 1)
			}
			continue
		}
		if err := p.jobs.Ack(ctx, p.cfg.Stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack entry %s: %v", msg.ID, err)
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_job")
	defer span.End()

	payload, err := streams.DecodeJobRequested(msg.Envelope)
	if err != nil {
		// Schema validation upstream makes this unreachable in practice;
		// ack so a rogue entry cannot loop forever.
		p.logger.Printf("drop event %s: %v", msg.Envelope.EventID, err)
		return nil
	}

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.runner.Run(jobCtx, payload.JobID); err != nil {
		return fmt.Errorf("job %s: %w", payload.JobID, err)
	}
	p.logger.Printf("job %s finished in %s", payload.JobID, time.Since(start).Round(time.Millisecond))
	if p.jobsProcessed != nil {
		p.jobsProcessed.Add(ctx, 1)
	}
	return nil
}

// reclaimAbandoned transfers entries whose previous consumer died mid-job.
// The idle threshold sits above the job timeout so an entry held by a
// healthy worker is never stolen into a concurrent run.
func (p *Processor) reclaimAbandoned(ctx context.Context, cursor string) string {
	minIdle := p.cfg.JobTimeout + claimSlack
	msgs, next, err := p.jobs.AutoClaim(ctx, p.cfg.Stream, minIdle, cursor, readCount)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("warn: autoclaim failed: %v", err)
		}
		return cursor
	}
	if len(msgs) > 0 {
		p.logger.Printf("reclaimed %d abandoned job entries", len(msgs))
		if p.jobsReclaimed != nil {
			p.jobsReclaimed.Add(ctx, int64(len(msgs)))
		}
	}
	p.drain(ctx, msgs)
	if next == "" {
		return "0-0"
	}
	return next
}

func (p *Processor) logLag(ctx context.Context) {
	lag, err := p.jobs.LagMetrics(ctx, p.cfg.Stream)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("warn: lag probe failed: %v", err)
		}
		return
	}
	if lag.Pending > 0 || lag.Lag > 0 {
		p.logger.Printf("stream %s backlog: pending=%d lag=%d consumers=%d oldest_idle=%s",
			p.cfg.Stream, lag.Pending, lag.Lag, lag.Consumers, lag.OldestIdle.Round(time.Second))
	}
}
