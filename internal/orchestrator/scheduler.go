package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"crmhub/internal/types"
)

const syncJobTimeout = 10 * time.Minute

// SyncTrigger is what a scheduled job fires. The orchestrator satisfies it;
// the indirection breaks the construction cycle between the two.
type SyncTrigger interface {
	Sync(ctx context.Context, id, triggeredBy string, opts types.SyncOptions) (*types.SyncResult, error)
}

// Scheduler keeps one recurring gocron job per integration, tagged
// "sync-<id>". Singleton mode guarantees at most one run in flight per
// integration even when a sync overruns its interval.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  *slog.Logger
	trigger SyncTrigger

	mu   sync.Mutex
	jobs map[string]time.Duration
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		logger: logger,
		jobs:   map[string]time.Duration{},
	}
}

// SetTrigger wires the sync entry point. Must be called before Start.
func (s *Scheduler) SetTrigger(trigger SyncTrigger) {
	s.trigger = trigger
}

func (s *Scheduler) Start() {
	s.cron.StartAsync()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func tagFor(id string) string {
	return "sync-" + id
}

// Schedule adds or updates the recurring job for an integration. A manual
// frequency cancels any existing job instead.
func (s *Scheduler) Schedule(id string, frequency types.SyncFrequency) error {
	if frequency == types.SyncFrequencyManual {
		s.Cancel(id)
		return nil
	}
	interval := frequency.Interval()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[id]; ok {
		if existing == interval {
			return nil
		}
		_ = s.cron.RemoveByTag(tagFor(id))
	}

	_, err := s.cron.Every(interval).Tag(tagFor(id)).SingletonMode().Do(func() {
		s.run(id)
	})
	if err != nil {
		return err
	}
	s.jobs[id] = interval
	s.logger.Info("sync scheduled", "id", id, "interval", interval)
	return nil
}

func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	_ = s.cron.RemoveByTag(tagFor(id))
	s.logger.Info("sync schedule canceled", "id", id)
}

// Scheduled returns the ids with an active recurring job.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile aligns the job set with the integrations that should be
// scheduled: missing jobs are added, stale jobs canceled. The worker calls
// this at startup and on a slow heartbeat so schedules survive restarts.
func (s *Scheduler) Reconcile(integrations []types.Integration) {
	want := map[string]types.SyncFrequency{}
	for _, integration := range integrations {
		frequency := types.SyncFrequency(integration.ConfigString("syncFrequency"))
		if frequency == types.SyncFrequencyManual {
			continue
		}
		want[integration.ID] = frequency
	}

	for _, id := range s.Scheduled() {
		if _, ok := want[id]; !ok {
			s.Cancel(id)
		}
	}
	for id, frequency := range want {
		if err := s.Schedule(id, frequency); err != nil {
			s.logger.Error("reconcile schedule", "id", id, "err", err)
		}
	}
}

func (s *Scheduler) run(id string) {
	if s.trigger == nil {
		s.logger.Error("scheduler fired without trigger", "id", id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), syncJobTimeout)
	defer cancel()

	result, err := s.trigger.Sync(ctx, id, "scheduler", types.SyncOptions{})
	if err != nil {
		s.logger.Error("scheduled sync failed", "id", id, "err", err)
		return
	}
	s.logger.Info("scheduled sync finished", "id", id,
		"success", result.Success, "processed", result.Processed, "errors", len(result.Errors))
}
