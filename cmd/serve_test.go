package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/course-importer/internal/config"
	"github.com/MimeLyc/course-importer/internal/httpapi"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/internal/persistence"
	"github.com/MimeLyc/course-importer/internal/storage"
	"github.com/MimeLyc/course-importer/pkg/icron"
)

// lifecycle records the order in which the serve components are driven.
type lifecycle struct {
	mu        sync.Mutex
	calls     []string
	listening chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	scheduleErr error
	listenErr   error
}

func newLifecycle() *lifecycle {
	return &lifecycle{listening: make(chan struct{}), closed: make(chan struct{})}
}

func (l *lifecycle) note(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *lifecycle) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *lifecycle) Schedule(context.Context) error {
	l.note("schedule")
	return l.scheduleErr
}

func (l *lifecycle) Start() { l.note("cron start") }

func (l *lifecycle) Stop() context.Context {
	l.note("cron stop")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (l *lifecycle) ListenAndServe(addr string) error {
	l.note("listen " + addr)
	close(l.listening)
	if l.listenErr != nil {
		return l.listenErr
	}
	<-l.closed
	return http.ErrServerClosed
}

func (l *lifecycle) Shutdown(context.Context) error {
	l.note("shutdown")
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func serveConfig(addr string) *config.Config {
	return &config.Config{HTTP: config.HTTPConfig{Addr: addr}}
}

func TestRunWithComponents_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lc := newLifecycle()

	done := make(chan error, 1)
	go func() { done <- runWithComponents(ctx, serveConfig("127.0.0.1:9000"), lc, lc, lc) }()

	select {
	case <-lc.listening:
	case <-time.After(2 * time.Second):
		t.Fatal("server never started listening")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Equal(t, []string{"schedule", "cron start", "listen 127.0.0.1:9000", "shutdown", "cron stop"}, lc.Calls())
}

func TestRunWithComponents_ScheduleError(t *testing.T) {
	lc := newLifecycle()
	lc.scheduleErr = errors.New("bad schedule")

	err := runWithComponents(context.Background(), serveConfig(":0"), lc, lc, lc)
	require.ErrorContains(t, err, "bad schedule")
	assert.Equal(t, []string{"schedule"}, lc.Calls())
}

func TestRunWithComponents_ListenError(t *testing.T) {
	lc := newLifecycle()
	lc.listenErr = errors.New("address in use")

	err := runWithComponents(context.Background(), serveConfig(":80"), lc, lc, lc)
	require.ErrorContains(t, err, "address in use")
	assert.Contains(t, lc.Calls(), "shutdown")
	assert.Equal(t, "cron stop", lc.Calls()[len(lc.Calls())-1])
}

func TestRunWithComponents_RealServer(t *testing.T) {
	root := t.TempDir()
	db, err := persistence.NewSQLiteStore(filepath.Join(root, "courseimport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := storage.NewLocal(filepath.Join(root, "tmp"), filepath.Join(root, "videos"))
	require.NoError(t, err)

	service := jobs.NewService(db, db, files)
	worker := jobs.NewWorker(db, jobs.NewImporter(db, files))
	engine := cron.New(cron.WithParser(icron.Parser))
	sched := jobs.NewScheduler(engine, worker, service, jobs.SchedulerConfig{
		InternalTick:    true,
		TickSchedule:    "@every 1s",
		BatchSize:       5,
		JanitorSchedule: "@every 1h",
		JanitorMinAge:   time.Hour,
	})
	srv := httpapi.NewServer(service, worker, httpapi.WithScheduler(sched))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, runWithComponents(ctx, serveConfig("127.0.0.1:0"), sched, engine, srv))

	info := sched.Info(time.Now())
	assert.True(t, info.InternalTick)
	require.NotNil(t, info.Tick)
	assert.Equal(t, "@every 1s", info.Tick.Expression)
}
