package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/course-importer/internal/localstore"
	"github.com/MimeLyc/course-importer/internal/ownership"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tab struct {
	m       *Manager
	elector *ownership.Elector
}

func openTab(t *testing.T, api API, store localstore.Store, clock *testClock, id string) tab {
	t.Helper()
	e := ownership.New(store, ownership.WithTabID(id), ownership.WithClock(clock.Now))
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	m := newTestManager(t, api, store, WithElector(e), WithClock(clock.Now), WithHostname("box"))
	return tab{m: m, elector: e}
}

func TestUnload_SnapshotAndRestoreInNextTab(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeAPI()
	store := localstore.NewMemoryStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	a := openTab(t, api, store, clock, "tab_a")
	require.True(t, a.elector.IsOwner())
	job, err := a.m.CreateJob(JobConfig{CourseTitle: "X", Sections: []Section{{Name: "Week 1", Files: writeFiles(t, "a.mp4")}}})
	require.NoError(t, err)

	warn, err := a.m.Unload(ctx)
	require.NoError(t, err)
	assert.True(t, warn)
	assert.False(t, a.elector.IsOwner())

	var snap Emergency
	require.NoError(t, localstore.GetJSON(ctx, store, emergencyKey, &snap))
	assert.Equal(t, "tab_a", snap.TabID)
	assert.Equal(t, "box", snap.Hostname)
	assert.Equal(t, clock.Now().UnixMilli(), snap.Timestamp)
	require.Len(t, snap.Queue, 1)

	clock.Advance(time.Minute)
	b := openTab(t, api, store.Clone(), clock, "tab_b")
	events := record(b.m.Bus())

	offered, err := b.m.Activate(ctx)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, job.ID, offered.Queue[0].ID)

	n, err := b.m.RestoreEmergency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev, ok := events.last(TopicQueueRestored)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Data)

	_, err = store.Get(ctx, emergencyKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)

	got, err := b.m.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "tab_b", got.OriginTabID)

	b.m.Start(ctx)
	waitIdle(t, b.m)
	got, err = b.m.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCheckEmergency_StaleSnapshotIsDiscarded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeAPI()
	store := localstore.NewMemoryStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	a := openTab(t, api, store, clock, "tab_a")
	_, err := a.m.CreateJob(JobConfig{CourseTitle: "X", Sections: []Section{{Name: "Week 1", Files: writeFiles(t, "a.mp4")}}})
	require.NoError(t, err)
	_, err = a.m.Unload(ctx)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	b := openTab(t, api, store.Clone(), clock, "tab_b")
	offered, err := b.m.CheckEmergency(ctx)
	require.NoError(t, err)
	assert.Nil(t, offered)
	_, err = store.Get(ctx, emergencyKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)

	n, err := b.m.RestoreEmergency(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckEmergency_OnlyOwnerIsOffered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeAPI()
	store := localstore.NewMemoryStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	a := openTab(t, api, store, clock, "tab_a")
	_, err := a.m.CreateJob(JobConfig{CourseTitle: "X", Sections: []Section{{Name: "Week 1", Files: writeFiles(t, "a.mp4")}}})
	require.NoError(t, err)
	_, err = a.m.Unload(ctx)
	require.NoError(t, err)

	// another tab claims first
	c := ownership.New(store.Clone(), ownership.WithTabID("tab_c"), ownership.WithClock(clock.Now))
	_, err = c.Refresh(ctx)
	require.NoError(t, err)

	b := openTab(t, api, store.Clone(), clock, "tab_b")
	require.False(t, b.elector.IsOwner())
	offered, err := b.m.Activate(ctx)
	require.NoError(t, err)
	assert.Nil(t, offered)

	_, err = store.Get(ctx, emergencyKey)
	require.NoError(t, err, "snapshot is left for the owner")

	require.NoError(t, b.m.DiscardEmergency(ctx))
	_, err = store.Get(ctx, emergencyKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestUnload_NoWorkNoWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	clock := &testClock{now: time.Now()}
	a := openTab(t, newFakeAPI(), store, clock, "tab_a")

	warn, err := a.m.Unload(ctx)
	require.NoError(t, err)
	assert.False(t, warn)
	_, err = store.Get(ctx, emergencyKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	_, err = store.Get(ctx, ownership.OwnerKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestUnload_NonOwnerDoesNotSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeAPI()
	store := localstore.NewMemoryStore()
	clock := &testClock{now: time.Now()}

	_ = openTab(t, api, store, clock, "tab_a")
	b := openTab(t, api, store.Clone(), clock, "tab_b")
	_, err := b.m.CreateJob(JobConfig{CourseTitle: "X", Sections: []Section{{Name: "Week 1", Files: writeFiles(t, "a.mp4")}}})
	require.NoError(t, err)

	warn, err := b.m.Unload(ctx)
	require.NoError(t, err)
	assert.False(t, warn)
	_, err = store.Get(ctx, emergencyKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)
}
