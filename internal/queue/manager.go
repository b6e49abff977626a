// Package queue drives local import jobs through the server pipeline: create
// the server job, upload every file, finalize, then poll ticks until the
// server reports a terminal state. One job is active at a time and the whole
// job set is persisted to a local store shared with other processes of the
// same profile.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/course-importer/internal/apiclient"
	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/internal/localstore"
	"github.com/MimeLyc/course-importer/internal/ownership"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// API is the part of the job control API the manager needs.
type API interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error)
	AddItem(ctx context.Context, up apiclient.Upload) (*jobs.AddItemResult, error)
	Finalize(ctx context.Context, jobID int64, token string) (*jobs.Job, error)
	Tick(ctx context.Context, limit int) (int, error)
	Status(ctx context.Context, jobID int64) (*jobs.StatusReport, error)
	Items(ctx context.Context, jobID int64) ([]*jobs.Item, error)
	Pause(ctx context.Context, jobID int64) (*jobs.Job, error)
	Resume(ctx context.Context, jobID int64) (*jobs.Job, error)
	Cancel(ctx context.Context, jobID int64) (*jobs.Job, error)
}

type Settings struct {
	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	StallTimeout       time.Duration
	WatchdogInterval   time.Duration
	RescheduleDelay    time.Duration
	PauseCheckInterval time.Duration
	EmergencyWindow    time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval:       1500 * time.Millisecond,
		MaxPollInterval:    30 * time.Second,
		StallTimeout:       15 * time.Minute,
		WatchdogInterval:   30 * time.Second,
		RescheduleDelay:    500 * time.Millisecond,
		PauseCheckInterval: time.Second,
		EmergencyWindow:    5 * time.Minute,
	}
}

type Manager struct {
	api      API
	store    localstore.Store
	bus      *eventbus.Bus
	elector  *ownership.Elector
	tabID    string
	hostname string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	jobs       map[string]*ClientJob
	removed    map[string]bool
	paused     bool
	processing bool
	current    string
	cancels    map[string]context.CancelFunc
	ranJobs    bool
	changed    chan struct{}

	persistMu sync.Mutex

	wake      chan struct{}
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type Option func(*Manager)

func WithSettings(s Settings) Option {
	return func(m *Manager) {
		m.settings = s
	}
}

func WithBus(bus *eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithElector ties the manager to a tab identity. Without one the manager
// gets its own tab id and acts as owner.
func WithElector(e *ownership.Elector) Option {
	return func(m *Manager) {
		m.elector = e
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithHostname(name string) Option {
	return func(m *Manager) {
		m.hostname = name
	}
}

// withDefaults replaces non-positive durations, which tickers and timers
// cannot take, with the defaults.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	for _, f := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&s.PollInterval, def.PollInterval},
		{&s.MaxPollInterval, def.MaxPollInterval},
		{&s.StallTimeout, def.StallTimeout},
		{&s.WatchdogInterval, def.WatchdogInterval},
		{&s.RescheduleDelay, def.RescheduleDelay},
		{&s.PauseCheckInterval, def.PauseCheckInterval},
		{&s.EmergencyWindow, def.EmergencyWindow},
	} {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}
	if s.MaxPollInterval < s.PollInterval {
		s.MaxPollInterval = s.PollInterval
	}
	return s
}

// New builds a manager and loads the saved queue. Jobs saved as processing
// are reset to pending since no loop survives a restart.
func New(api API, store localstore.Store, opts ...Option) *Manager {
	m := &Manager{
		api:      api,
		store:    store,
		settings: DefaultSettings(),
		now:      time.Now,
		jobs:     make(map[string]*ClientJob),
		removed:  make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.settings = m.settings.withDefaults()
	if m.bus == nil {
		m.bus = eventbus.New()
	}
	if m.elector != nil {
		m.tabID = m.elector.TabID()
	} else {
		m.tabID = ownership.NewTabID()
	}
	if m.hostname == "" {
		m.hostname, _ = os.Hostname()
	}
	m.hydrate(context.Background())
	return m
}

func (m *Manager) TabID() string {
	return m.tabID
}

func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// Start runs the scheduling loop, the watchdog, cross-process sync and, when
// configured, the ownership elector. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		base, stop := context.WithCancel(ctx)
		m.mu.Lock()
		m.stop = stop
		m.mu.Unlock()

		if m.elector != nil {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				_ = m.elector.Run(base)
			}()
		}
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			m.watch(base)
		}()
		go func() {
			defer m.wg.Done()
			m.loop(base)
		}()
		m.signal()
	})
}

// Close stops all loops. A job in flight keeps its processing status in the
// store and is picked up again by the next manager that loads it.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		stop := m.stop
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		m.wg.Wait()
	})
	return nil
}

// WaitIdle blocks until no job is running and none is eligible to start.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		idle := !m.processing && (m.paused || m.nextEligibleLocked() == nil)
		ch := m.changed
		m.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// CreateJob validates and enqueues an import.
func (m *Manager) CreateJob(cfg JobConfig) (*ClientJob, error) {
	job, err := m.newJob(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	log.Info("Queued import %s with %d files", job.ID, snapshot.Progress.Total)
	m.persist()
	m.bus.Publish(TopicJobAdded, snapshot)
	m.signal()
	return snapshot, nil
}

func (m *Manager) newJob(cfg JobConfig) (*ClientJob, error) {
	mode := cfg.Mode
	if mode == "" {
		if cfg.CourseID > 0 {
			mode = jobs.ModeExisting
		} else {
			mode = jobs.ModeNew
		}
	}
	title := strings.TrimSpace(cfg.CourseTitle)
	switch mode {
	case jobs.ModeNew:
		if title == "" {
			return nil, fmt.Errorf("%w: course title is required", ErrInvalidJob)
		}
	case jobs.ModeExisting:
		if cfg.CourseID <= 0 {
			return nil, fmt.Errorf("%w: course id is required", ErrInvalidJob)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidJob, mode)
	}
	if len(cfg.Sections) == 0 {
		return nil, fmt.Errorf("%w: at least one section is required", ErrInvalidJob)
	}

	seen := make(map[string]bool, len(cfg.Sections))
	sections := make([]Section, 0, len(cfg.Sections))
	total := 0
	for _, s := range cfg.Sections {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: section name is required", ErrInvalidJob)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate section %q", ErrInvalidJob, name)
		}
		seen[name] = true
		if len(s.Files) == 0 {
			return nil, fmt.Errorf("%w: section %q has no files", ErrInvalidJob, name)
		}
		names := make(map[string]bool, len(s.Files))
		for _, f := range s.Files {
			base := filepath.Base(f)
			if names[base] {
				return nil, fmt.Errorf("%w: %s appears twice in section %q", ErrInvalidJob, base, name)
			}
			names[base] = true
			info, err := os.Stat(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidJob, f)
			}
		}
		sections = append(sections, Section{Name: name, Files: append([]string(nil), s.Files...)})
		total += len(s.Files)
	}

	now := m.now()
	job := &ClientJob{
		ID:          "import_" + uuid.NewString(),
		Mode:        mode,
		Sections:    sections,
		Status:      StatusPending,
		Progress:    Progress{Message: "Waiting to start", Total: total},
		OriginTabID: m.tabID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mode == jobs.ModeNew {
		job.CourseTitle = title
	} else {
		job.CourseID = cfg.CourseID
	}
	return job, nil
}

func (m *Manager) loop(ctx context.Context) {
	watchdog := time.NewTicker(m.settings.WatchdogInterval)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-watchdog.C:
			if !m.stuck() {
				continue
			}
			log.Warn("Import queue has work but nothing is running, restarting")
		}
		m.processQueue(ctx)
	}
}

// stuck reports whether there is eligible work while nothing runs.
func (m *Manager) stuck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.processing && !m.paused && m.nextEligibleLocked() != nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// processQueue runs the oldest eligible job to the end. Pausing the queue
// only stops new jobs from starting.
func (m *Manager) processQueue(ctx context.Context) {
	m.mu.Lock()
	if m.processing || m.paused {
		m.mu.Unlock()
		return
	}
	job := m.nextEligibleLocked()
	if job == nil {
		finished := m.ranJobs
		m.ranJobs = false
		m.mu.Unlock()
		if finished {
			log.Info("Import queue drained")
			m.bus.Publish(TopicQueueCompleted, nil)
		}
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	m.processing = true
	m.current = job.ID
	m.ranJobs = true
	m.cancels[job.ID] = cancel
	if job.OriginTabID != m.tabID {
		log.Info("Taking over server-side polling of %s from %s", job.ID, job.OriginTabID)
		job.OriginTabID = m.tabID
	}
	job.Status = StatusProcessing
	job.Error = ""
	if job.StartedAt.IsZero() {
		job.StartedAt = m.now()
	}
	job.UpdatedAt = m.now()
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	log.Info("Starting import %s", job.ID)
	m.persist()
	m.bus.Publish(TopicJobStarted, snapshot)

	report, err := m.runJob(ctx, jobCtx, job.ID)
	cancel()
	m.finish(ctx, job.ID, report, err)

	m.mu.Lock()
	m.processing = false
	m.current = ""
	delete(m.cancels, job.ID)
	paused := m.paused
	m.broadcastLocked()
	m.mu.Unlock()

	if !paused && ctx.Err() == nil {
		time.AfterFunc(m.settings.RescheduleDelay, m.signal)
	}
}

// nextEligibleLocked picks the oldest pending job this manager may drive.
// Jobs still uploading belong to the tab that holds their files; once
// finalized any manager can poll them.
func (m *Manager) nextEligibleLocked() *ClientJob {
	var best *ClientJob
	for _, job := range m.jobs {
		if job.Status != StatusPending || job.Paused {
			continue
		}
		if job.OriginTabID != m.tabID && !(job.Phase == PhaseProcessing && job.ServerJobID != 0) {
			continue
		}
		if best == nil || job.CreatedAt.Before(best.CreatedAt) ||
			(job.CreatedAt.Equal(best.CreatedAt) && job.ID < best.ID) {
			best = job
		}
	}
	return best
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// update mutates a job under the lock, stamps it and persists the result.
func (m *Manager) update(id string, fn func(*ClientJob)) (*ClientJob, bool) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	fn(job)
	job.UpdatedAt = m.now()
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	m.persist()
	return snapshot, true
}

func (m *Manager) view(id string) (*ClientJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ownJobLocked returns the job if this manager may change it.
func (m *Manager) ownJobLocked(id string) (*ClientJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.OriginTabID != m.tabID {
		return nil, fmt.Errorf("%w: %s", ErrForeignJob, id)
	}
	return job, nil
}

func (m *Manager) hydrate(ctx context.Context) {
	state, err := m.loadState(ctx)
	if err != nil {
		log.Error("Failed to load import queue: %v", err)
		return
	}

	reset := 0
	now := m.now()
	m.mu.Lock()
	m.paused = state.IsPaused
	for _, raw := range state.Queue {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := raw.clone()
		if job.Status == StatusProcessing {
			job.Status = StatusPending
			job.UpdatedAt = now
			reset++
		}
		m.jobs[job.ID] = job
	}
	all := m.snapshotLocked()
	paused := m.paused
	m.mu.Unlock()

	if reset == 0 {
		return
	}
	log.Info("Reset %d interrupted imports to pending", reset)
	if err := m.saveState(ctx, all, paused); err != nil {
		log.Error("Failed to save import queue: %v", err)
	}
}

// persist writes this manager's jobs merged with the other tabs' jobs
// currently in the store. A job is only ever written by its origin tab.
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	ctx := context.Background()
	state, err := m.loadState(ctx)
	if err != nil {
		log.Error("Failed to read import queue before saving: %v", err)
		state = &savedState{}
	}

	m.mu.Lock()
	own := make(map[string]*ClientJob)
	for id, job := range m.jobs {
		if job.OriginTabID == m.tabID {
			own[id] = job.clone()
		}
	}
	merged := make([]*ClientJob, 0, len(state.Queue)+len(own))
	for _, job := range state.Queue {
		if job == nil || job.OriginTabID == m.tabID || m.removed[job.ID] || own[job.ID] != nil {
			continue
		}
		merged = append(merged, job)
		m.jobs[job.ID] = job.clone()
	}
	for _, job := range own {
		merged = append(merged, job)
	}
	paused := m.paused
	m.mu.Unlock()

	sortJobs(merged)
	if err := m.saveState(ctx, merged, paused); err != nil {
		log.Error("Failed to save import queue: %v", err)
	}
}

// watch keeps other tabs' jobs in sync as the shared store changes.
func (m *Manager) watch(ctx context.Context) {
	changes, err := m.store.Watch(ctx)
	if err != nil {
		log.Warn("Import queue will not follow other processes: %v", err)
		return
	}
	for change := range changes {
		if change.Key == stateKey {
			m.syncForeign(ctx)
		}
	}
}

func (m *Manager) syncForeign(ctx context.Context) {
	state, err := m.loadState(ctx)
	if err != nil {
		log.Warn("Failed to reload import queue: %v", err)
		return
	}
	stored := make(map[string]*ClientJob, len(state.Queue))
	for _, job := range state.Queue {
		if job != nil && job.OriginTabID != m.tabID {
			stored[job.ID] = job
		}
	}

	m.mu.Lock()
	for id, job := range m.jobs {
		if job.OriginTabID != m.tabID && stored[id] == nil {
			delete(m.jobs, id)
		}
	}
	for id, job := range stored {
		if m.removed[id] {
			continue
		}
		if existing, ok := m.jobs[id]; ok && existing.OriginTabID == m.tabID {
			continue
		}
		m.jobs[id] = job.clone()
	}
	m.broadcastLocked()
	m.mu.Unlock()
	m.signal()
}

// Peek reads the saved queue without loading it into a manager, so
// interrupted jobs keep the status their tab last wrote.
func Peek(ctx context.Context, store localstore.Store) ([]*ClientJob, bool, error) {
	state, err := readState(ctx, store)
	if err != nil {
		return nil, false, err
	}
	list := make([]*ClientJob, 0, len(state.Queue))
	for _, job := range state.Queue {
		if job != nil && job.ID != "" {
			list = append(list, job)
		}
	}
	sortJobs(list)
	return list, state.IsPaused, nil
}

func (m *Manager) loadState(ctx context.Context) (*savedState, error) {
	return readState(ctx, m.store)
}

func readState(ctx context.Context, store localstore.Store) (*savedState, error) {
	var state savedState
	if err := localstore.GetJSON(ctx, store, stateKey, &state); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return &savedState{}, nil
		}
		return nil, err
	}
	return &state, nil
}

func (m *Manager) saveState(ctx context.Context, queue []*ClientJob, paused bool) error {
	return localstore.SetJSON(ctx, m.store, stateKey, savedState{
		Queue:     queue,
		IsPaused:  paused,
		LastSaved: m.now().UnixMilli(),
	})
}

func (m *Manager) snapshotLocked() []*ClientJob {
	ret := make([]*ClientJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		ret = append(ret, job.clone())
	}
	sortJobs(ret)
	return ret
}

func sortJobs(list []*ClientJob) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
