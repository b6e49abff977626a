package queue

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/course-importer/internal/apiclient"
	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/internal/localstore"
)

// fakeAPI is an in-memory job control API. Each tick finishes every
// runnable job unless stuck is set.
type fakeAPI struct {
	mu           sync.Mutex
	nextID       int64
	jobs         map[int64]*jobs.Job
	items        map[int64][]*jobs.Item
	uploads      []apiclient.Upload
	calls        map[string]int
	reject       map[string]bool
	failOnServer map[string]bool
	createErr    error
	tickErrs     int
	stuck        bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		jobs:         make(map[int64]*jobs.Job),
		items:        make(map[int64][]*jobs.Item),
		calls:        make(map[string]int),
		reject:       make(map[string]bool),
		failOnServer: make(map[string]bool),
	}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) setStuck(v bool) {
	f.mu.Lock()
	f.stuck = v
	f.mu.Unlock()
}

func (f *fakeAPI) serverStatus(id int64) jobs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

func (f *fakeAPI) uploadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]string, 0, len(f.uploads))
	for _, up := range f.uploads {
		ret = append(ret, fmt.Sprintf("%s/%d/%d/%s", up.SectionName, up.SectionOrder, up.VideoOrder, filepath.Base(up.Path)))
	}
	return ret
}

func (f *fakeAPI) CreateJob(_ context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	courseID := req.CourseID
	if req.Mode == jobs.ModeNew {
		courseID = 100 + f.nextID
	}
	f.jobs[f.nextID] = &jobs.Job{ID: f.nextID, CourseID: courseID, Mode: req.Mode, Status: jobs.StatusUploading}
	return &jobs.CreateResult{JobID: f.nextID, UploadToken: fmt.Sprintf("tok-%d", f.nextID), CourseID: courseID}, nil
}

func (f *fakeAPI) AddItem(_ context.Context, up apiclient.Upload) (*jobs.AddItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["add"]++
	name := filepath.Base(up.Path)
	if f.reject[name] {
		return nil, &apiclient.Error{StatusCode: http.StatusBadRequest, Code: "validation", Message: "file type not allowed"}
	}
	if _, err := os.Stat(up.Path); err != nil {
		return nil, err
	}
	job, ok := f.jobs[up.JobID]
	if !ok || up.Token != fmt.Sprintf("tok-%d", up.JobID) {
		return nil, &apiclient.Error{StatusCode: http.StatusForbidden, Message: "invalid token"}
	}
	f.uploads = append(f.uploads, up)
	item := &jobs.Item{
		ID:           int64(len(f.uploads)),
		JobID:        up.JobID,
		SectionName:  up.SectionName,
		SectionOrder: up.SectionOrder,
		VideoOrder:   up.VideoOrder,
		OriginalName: name,
		Status:       jobs.ItemUploaded,
	}
	f.items[up.JobID] = append(f.items[up.JobID], item)
	job.TotalItems++
	return &jobs.AddItemResult{ItemID: item.ID, StoredName: name}, nil
}

func (f *fakeAPI) Finalize(_ context.Context, jobID int64, _ string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["finalize"]++
	job := f.jobs[jobID]
	if job.Status == jobs.StatusUploading {
		job.Status = jobs.StatusQueued
	}
	cp := *job
	return &cp, nil
}

func (f *fakeAPI) Tick(_ context.Context, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["tick"]++
	if f.tickErrs > 0 {
		f.tickErrs--
		return 0, fmt.Errorf("dial tcp: connection refused")
	}
	if f.stuck {
		for _, job := range f.jobs {
			if job.Status == jobs.StatusQueued {
				job.Status = jobs.StatusProcessing
			}
		}
		return 0, nil
	}

	ids := make([]int64, 0, len(f.jobs))
	for id := range f.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for _, id := range ids {
		job := f.jobs[id]
		if job.Status != jobs.StatusQueued && job.Status != jobs.StatusProcessing {
			continue
		}
		for _, item := range f.items[id] {
			if item.Status != jobs.ItemUploaded {
				continue
			}
			n++
			if f.failOnServer[item.OriginalName] {
				item.Status = jobs.ItemError
				item.Message = "move failed"
				job.ErrorCount++
				continue
			}
			item.Status = jobs.ItemDone
			job.ProcessedItems++
		}
		job.Status = jobs.StatusCompleted
		break
	}
	return n, nil
}

func (f *fakeAPI) Status(_ context.Context, jobID int64) (*jobs.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &apiclient.Error{StatusCode: http.StatusNotFound, Message: "job not found"}
	}
	hist := make(map[jobs.ItemStatus]int)
	for _, item := range f.items[jobID] {
		hist[item.Status]++
	}
	cp := *job
	return &jobs.StatusReport{Job: &cp, ItemsByStatus: hist}, nil
}

func (f *fakeAPI) Items(_ context.Context, jobID int64) ([]*jobs.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]*jobs.Item, 0, len(f.items[jobID]))
	for _, item := range f.items[jobID] {
		cp := *item
		ret = append(ret, &cp)
	}
	return ret, nil
}

func (f *fakeAPI) setStatus(jobID int64, to jobs.Status, call string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call]++
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, &apiclient.Error{StatusCode: http.StatusNotFound, Message: "job not found"}
	}
	switch {
	case job.Status.Terminal() && call == "pause":
		return nil, &apiclient.Error{StatusCode: http.StatusConflict, Code: "conflict", Message: "job already finished"}
	case !job.Status.Terminal():
		job.Status = to
	}
	cp := *job
	return &cp, nil
}

func (f *fakeAPI) Pause(_ context.Context, jobID int64) (*jobs.Job, error) {
	return f.setStatus(jobID, jobs.StatusPaused, "pause")
}

func (f *fakeAPI) Resume(_ context.Context, jobID int64) (*jobs.Job, error) {
	return f.setStatus(jobID, jobs.StatusQueued, "resume")
}

func (f *fakeAPI) Cancel(_ context.Context, jobID int64) (*jobs.Job, error) {
	return f.setStatus(jobID, jobs.StatusCancelled, "cancel")
}

var _ API = (*fakeAPI)(nil)

func fastSettings() Settings {
	return Settings{
		PollInterval:       5 * time.Millisecond,
		MaxPollInterval:    20 * time.Millisecond,
		StallTimeout:       5 * time.Second,
		WatchdogInterval:   20 * time.Millisecond,
		RescheduleDelay:    5 * time.Millisecond,
		PauseCheckInterval: 5 * time.Millisecond,
		EmergencyWindow:    5 * time.Minute,
	}
}

func newTestManager(t *testing.T, api API, store localstore.Store, opts ...Option) *Manager {
	t.Helper()
	m := New(api, store, append([]Option{WithSettings(fastSettings())}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func writeFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("video bytes"), 0o644))
		paths = append(paths, p)
	}
	return paths
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(bus *eventbus.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(ev eventbus.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) has(topic eventbus.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Topic == topic {
			return true
		}
	}
	return false
}

func (r *recorder) last(topic eventbus.Topic) (eventbus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Topic == topic {
			return r.events[i], true
		}
	}
	return eventbus.Event{}, false
}
