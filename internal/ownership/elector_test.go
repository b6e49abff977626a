package ownership

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/localstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newPair(t *testing.T, clock *fakeClock) (*Elector, *Elector, *localstore.MemoryStore) {
	t.Helper()
	store := localstore.NewMemoryStore()
	a := New(store, WithTabID("tab_a"), WithClock(clock.Now), WithStaleAfter(15*time.Second))
	b := New(store.Clone(), WithTabID("tab_b"), WithClock(clock.Now), WithStaleAfter(15*time.Second))
	return a, b, store
}

func TestNewTabID(t *testing.T) {
	id := NewTabID()
	assert.Regexp(t, `^tab_[0-9a-f-]{36}$`, id)
	assert.NotEqual(t, id, NewTabID())
	assert.Equal(t, "tab_x", New(localstore.NewMemoryStore(), WithTabID("tab_x")).TabID())
}

func TestRefresh_FirstTabClaims(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, b, store := newPair(t, clock)

	owner, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, owner)

	owner, err = b.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, owner)
	assert.True(t, a.IsOwner())

	var rec Record
	require.NoError(t, localstore.GetJSON(ctx, store, OwnerKey, &rec))
	assert.Equal(t, Record{TabID: "tab_a", Timestamp: clock.Now().UnixMilli()}, rec)
}

func TestHeartbeat_KeepsOwnerAlive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, b, store := newPair(t, clock)

	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	// the record itself is old but the heartbeat keeps it fresh
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		require.NoError(t, a.Heartbeat(ctx))
		require.NoError(t, b.Heartbeat(ctx))
		assert.True(t, a.IsOwner())
		assert.False(t, b.IsOwner())
	}

	raw, err := store.Get(ctx, HeartbeatKey)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(clock.Now().UnixMilli(), 10), string(raw))
}

func TestHeartbeat_StaleOwnerIsReplacedAndYields(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, b, _ := newPair(t, clock)

	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	require.NoError(t, b.Heartbeat(ctx))
	assert.False(t, b.IsOwner(), "exactly at the threshold the owner is still live")

	clock.Advance(time.Millisecond)
	require.NoError(t, b.Heartbeat(ctx))
	assert.True(t, b.IsOwner())

	// a wakes up, sees the record names b and steps down
	require.NoError(t, a.Heartbeat(ctx))
	assert.False(t, a.IsOwner())
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, b, store := newPair(t, clock)

	_, err := a.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx), "release by a non-owner is a no-op")

	_, err = store.Get(ctx, OwnerKey)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.IsOwner())
	_, err = store.Get(ctx, OwnerKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)
	_, err = store.Get(ctx, HeartbeatKey)
	require.ErrorIs(t, err, localstore.ErrNotFound)

	owner, err := b.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, owner)
}

func TestRelease_DoesNotClearAnotherTabsRecord(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, b, store := newPair(t, clock)

	_, err := a.Refresh(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = b.Refresh(ctx)
	require.NoError(t, err)

	// a still believes it owns until its next check
	require.True(t, a.IsOwner())
	require.NoError(t, a.Release(ctx))

	var rec Record
	require.NoError(t, localstore.GetJSON(ctx, store, OwnerKey, &rec))
	assert.Equal(t, "tab_b", rec.TabID)
}

func TestOwnershipUpdatesArePublished(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bus := eventbus.New()
	store := localstore.NewMemoryStore()
	a := New(store, WithTabID("tab_a"), WithClock(clock.Now), WithBus(bus))

	var (
		mu      sync.Mutex
		updates []Update
	)
	bus.Subscribe(TopicOwnershipUpdate, func(ev eventbus.Event) {
		mu.Lock()
		updates = append(updates, ev.Data.(Update))
		mu.Unlock()
	})

	_, err := a.Refresh(ctx)
	require.NoError(t, err)
	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Update{
		{TabID: "tab_a", IsOwner: true},
		{TabID: "tab_a", IsOwner: false},
	}, updates)
}

func TestRun_TakesOverAfterRelease(t *testing.T) {
	store := localstore.NewMemoryStore()
	a := New(store, WithTabID("tab_a"), WithHeartbeatInterval(20*time.Millisecond))
	b := New(store.Clone(), WithTabID("tab_b"), WithHeartbeatInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Never(t, b.IsOwner, 100*time.Millisecond, 10*time.Millisecond)

	// b only learns through the watch, its own heartbeat is far away
	require.NoError(t, a.Release(ctx))
	require.Eventually(t, b.IsOwner, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
