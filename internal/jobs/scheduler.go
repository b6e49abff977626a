package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/course-importer/pkg/icron"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// CronEngine is the subset of *cron.Cron the scheduler registers against.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
}

type SchedulerConfig struct {
	// InternalTick drives the worker from a timer instead of client polls.
	// Each tick still handles one bounded batch.
	InternalTick    bool
	TickSchedule    string
	BatchSize       int
	JanitorSchedule string
	JanitorMinAge   time.Duration
}

type Scheduler struct {
	cron    CronEngine
	worker  *Worker
	service *Service
	cfg     SchedulerConfig

	mu            sync.RWMutex
	lastTick      time.Time
	lastProcessed int
	lastErr       string
}

// SchedulerInfo is reported by the worker status endpoint.
type SchedulerInfo struct {
	InternalTick  bool               `json:"internal_tick"`
	Tick          *icron.TriggerInfo `json:"tick,omitempty"`
	Janitor       *icron.TriggerInfo `json:"janitor,omitempty"`
	LastTick      time.Time          `json:"last_tick,omitempty"`
	LastProcessed int                `json:"last_processed"`
	LastError     string             `json:"last_error,omitempty"`
}

func NewScheduler(engine CronEngine, worker *Worker, service *Service, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		cron:    engine,
		worker:  worker,
		service: service,
		cfg:     cfg,
	}
}

func (s *Scheduler) Schedule(ctx context.Context) error {
	if s.cfg.InternalTick {
		if _, err := s.cron.AddFunc(s.cfg.TickSchedule, func() { s.runTick(ctx) }); err != nil {
			return err
		}
		log.Info("Internal tick enabled (%s, batch %d)", s.cfg.TickSchedule, s.cfg.BatchSize)
	}
	if s.cfg.JanitorSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.JanitorSchedule, func() { s.runJanitor(ctx) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runTick(ctx context.Context) {
	n, err := s.worker.Tick(ctx, s.cfg.BatchSize)

	s.mu.Lock()
	s.lastTick = time.Now()
	s.lastProcessed = n
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("Scheduled tick failed: %v", err)
	}
}

func (s *Scheduler) runJanitor(ctx context.Context) {
	if _, err := s.service.SweepOrphans(ctx, s.cfg.JanitorMinAge); err != nil {
		log.Error("Temp janitor failed: %v", err)
	}
}

func (s *Scheduler) Info(now time.Time) SchedulerInfo {
	s.mu.RLock()
	info := SchedulerInfo{
		InternalTick:  s.cfg.InternalTick,
		LastTick:      s.lastTick,
		LastProcessed: s.lastProcessed,
		LastError:     s.lastErr,
	}
	s.mu.RUnlock()

	if s.cfg.InternalTick {
		if ti, err := icron.GetTriggerInfo(s.cfg.TickSchedule, now); err == nil {
			info.Tick = ti
		}
	}
	if s.cfg.JanitorSchedule != "" {
		if ti, err := icron.GetTriggerInfo(s.cfg.JanitorSchedule, now); err == nil {
			info.Janitor = ti
		}
	}
	return info
}
