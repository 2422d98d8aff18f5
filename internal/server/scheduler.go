package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/recall/internal/queue/streams"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// Scheduler turns due index_schedules rows into indexing jobs. Each pass
// lists due schedules, takes a short redis lock per schedule so replicas do
// not double-fire, creates the job, publishes it, and advances next_run_at.
type Scheduler struct {
	store  *store.Store
	rdb    *redis.Client
	pub    *streams.Publisher
	stream string
	tick   time.Duration
	logger *log.Logger

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(st *store.Store, rdb *redis.Client, pub *streams.Publisher, stream string, tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		store:  st,
		rdb:    rdb,
		pub:    pub,
		stream: stream,
		tick:   tick,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runPass(context.Background())
			}
		}
	}()
}

// StopWait signals the loop to exit and blocks until the current pass ends.
func (s *Scheduler) StopWait() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runPass(ctx context.Context) {
	due, err := s.store.ListDueSchedules(ctx, time.Now())
	if err != nil {
		s.logger.Printf("ERROR: list due schedules: %v", err)
		return
	}
	for _, sched := range due {
		select {
		case <-s.stop:
			return
		default:
		}
		s.fire(ctx, sched)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched store.ScheduleRecord) {
	// lock TTL matches the tick: a crashed holder delays one occurrence at most
	ok, err := s.rdb.SetNX(ctx, "sched:lock:"+sched.ID, "1", s.tick).Result()
	if err != nil {
		s.logger.Printf("WARN: schedule lock %s: %v", sched.ID, err)
		return
	}
	if !ok {
		return
	}

	now := time.Now()
	expr, err := cronexpr.Parse(sched.CronSpec)
	if err != nil {
		s.logger.Printf("ERROR: schedule %s has bad cron %q: %v", sched.ID, sched.CronSpec, err)
		// push the row out a day so it does not spin every tick
		_ = s.store.MarkScheduleRun(ctx, sched.ID, now.Add(24*time.Hour))
		return
	}
	next := expr.Next(now)
	if next.IsZero() {
		// expression never fires again; park the row far out
		next = now.AddDate(100, 0, 0)
	}

	job, created, err := s.store.CreateIndexingJob(ctx, sched.TenantID, sched.ChatIDs)
	if err != nil {
		s.logger.Printf("ERROR: schedule %s create job: %v", sched.ID, err)
		return
	}
	if created {
		_, err := streams.PublishJobRequested(ctx, s.pub, s.stream, streams.JobRequestedPayload{
			JobID:    job.ID,
			TenantID: sched.TenantID,
			ChatIDs:  sched.ChatIDs,
			Origin:   streams.OriginSchedule,
		})
		if err != nil {
			s.logger.Printf("ERROR: schedule %s dispatch job %s: %v", sched.ID, job.ID, err)
			if ferr := s.store.FinishJob(ctx, job.ID, store.JobStatusFailed, "dispatch failed: "+err.Error()); ferr != nil {
				s.logger.Printf("ERROR: fail undispatched job %s: %v", job.ID, ferr)
			}
			// next_run_at stays due; the next tick retries
			return
		}
		s.logger.Printf("schedule %s started job %s", sched.ID, job.ID)
	} else {
		// an active job already covers the tenant; this occurrence is skipped
		s.logger.Printf("schedule %s skipped, active job %s", sched.ID, job.ID)
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, next); err != nil {
		s.logger.Printf("ERROR: schedule %s advance next run: %v", sched.ID, err)
	}
}
