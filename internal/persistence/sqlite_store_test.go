package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MimeLyc/course-importer/internal/catalog"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "courseimport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createJob(t *testing.T, store *SQLiteStore, status jobs.Status) *jobs.Job {
	t.Helper()
	courseID, err := store.CreateCourse(context.Background(), "Course")
	require.NoError(t, err)
	job := &jobs.Job{
		UploadToken: "token",
		CourseID:    courseID,
		Mode:        jobs.ModeNew,
		CourseTitle: "Course",
		Status:      status,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func insertItem(t *testing.T, store *SQLiteStore, jobID int64, section string, sectionOrder, videoOrder int, name string) *jobs.Item {
	t.Helper()
	item := &jobs.Item{
		JobID:        jobID,
		SectionName:  section,
		SectionOrder: sectionOrder,
		VideoOrder:   videoOrder,
		OriginalName: name,
		StoredName:   name,
		Status:       jobs.ItemUploaded,
	}
	ok, err := store.InsertItem(context.Background(), item, []jobs.Status{jobs.StatusUploading, jobs.StatusQueued})
	require.NoError(t, err)
	require.True(t, ok)
	return item
}

func TestSQLiteStore_ReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "courseimport.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	job := createJob(t, store, jobs.StatusUploading)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusUploading, got.Status)
	assert.Equal(t, "token", got.UploadToken)
}

func TestSQLiteStore_GetJobNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), 42)
	require.ErrorIs(t, err, jobs.ErrRecordNotFound)
}

func TestSQLiteStore_TransitionIsConditional(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusUploading)

	ok, err := store.TransitionJob(ctx, job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.TransitionJob(ctx, job.ID, []jobs.Status{jobs.StatusUploading}, jobs.StatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
}

func TestSQLiteStore_InsertItemRequiresAcceptingStatus(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusCancelled)

	ok, err := store.InsertItem(ctx, &jobs.Item{
		JobID:        job.ID,
		SectionName:  "Week 1",
		OriginalName: "a.mp4",
		StoredName:   "a.mp4",
		Status:       jobs.ItemUploaded,
	}, []jobs.Status{jobs.StatusUploading})
	require.NoError(t, err)
	assert.False(t, ok)

	items, err := store.ListItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLiteStore_PendingItemsOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusUploading)

	insertItem(t, store, job.ID, "Week 2", 2, 1, "c.mp4")
	insertItem(t, store, job.ID, "Week 1", 1, 2, "b.mp4")
	insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")

	items, err := store.PendingItems(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a.mp4", items[0].OriginalName)
	assert.Equal(t, "b.mp4", items[1].OriginalName)
	assert.Equal(t, "c.mp4", items[2].OriginalName)

	limited, err := store.PendingItems(ctx, job.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalItems)
}

func TestSQLiteStore_ClaimItemOnce(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusProcessing)
	item := insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")

	ok, err := store.ClaimItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimItem(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_FinishItemBumpsCountersOnce(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusProcessing)
	a := insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")
	b := insertItem(t, store, job.ID, "Week 1", 1, 2, "b.mp4")

	for _, id := range []int64{a.ID, b.ID} {
		ok, err := store.ClaimItem(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, store.CompleteItem(ctx, job.ID, a.ID))
	require.NoError(t, store.CompleteItem(ctx, job.ID, a.ID))
	require.NoError(t, store.FailItem(ctx, job.ID, b.ID, "disk full"))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedItems)
	assert.Equal(t, 1, got.ErrorCount)

	failed, err := store.ItemsWithStatus(ctx, job.ID, jobs.ItemError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "disk full", failed[0].Message)

	counts, err := store.CountItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[jobs.ItemStatus]int{jobs.ItemDone: 1, jobs.ItemError: 1}, counts)
}

func TestSQLiteStore_RequeueAndRecompute(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusProcessing)
	item := insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")

	_, err := store.ClaimItem(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, store.FailItem(ctx, job.ID, item.ID, "boom"))

	ok, err := store.RequeueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, store.RecomputeCounters(ctx, job.ID))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalItems)
	assert.Equal(t, 0, got.ErrorCount)

	items, err := store.ListItems(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, jobs.ItemUploaded, items[0].Status)
	assert.Empty(t, items[0].Message)
}

func TestSQLiteStore_CancelJobClosesOpenItems(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusProcessing)
	done := insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")
	insertItem(t, store, job.ID, "Week 1", 1, 2, "b.mp4")

	_, err := store.ClaimItem(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, store.CompleteItem(ctx, job.ID, done.ID))

	ok, err := store.CancelJob(ctx, job.ID, []jobs.Status{jobs.StatusProcessing})
	require.NoError(t, err)
	assert.True(t, ok)

	counts, err := store.CountItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.ItemDone])
	assert.Equal(t, 1, counts[jobs.ItemCancelled])

	ok, err = store.CancelJob(ctx, job.ID, []jobs.Status{jobs.StatusProcessing})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_DeleteJob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusProcessing)
	insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")

	ok, err := store.DeleteJob(ctx, job.ID, []jobs.Status{jobs.StatusCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.DeleteJob(ctx, job.ID, []jobs.Status{jobs.StatusProcessing})
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := store.JobExists(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	items, err := store.ListItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = store.DeleteJob(ctx, job.ID, []jobs.Status{jobs.StatusProcessing})
	require.ErrorIs(t, err, jobs.ErrRecordNotFound)
}

func TestSQLiteStore_NextRunnableJobOldestFirst(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	store.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	none, err := store.NextRunnableJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	createJob(t, store, jobs.StatusUploading)
	first := createJob(t, store, jobs.StatusQueued)
	createJob(t, store, jobs.StatusProcessing)

	next, err := store.NextRunnableJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)

	list, err := store.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Greater(t, list[0].ID, list[1].ID)
}

func TestSQLiteStore_FindLiveItemIgnoresFailed(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, store, jobs.StatusUploading)
	item := insertItem(t, store, job.ID, "Week 1", 1, 1, "a.mp4")

	found, err := store.FindLiveItem(ctx, job.ID, "Week 1", "a.mp4")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, item.ID, found.ID)

	missing, err := store.FindLiveItem(ctx, job.ID, "Week 2", "a.mp4")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_Catalog(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	courseID, err := store.CreateCourse(ctx, "  Intro to X ")
	require.NoError(t, err)
	exists, err := store.CourseExists(ctx, courseID)
	require.NoError(t, err)
	assert.True(t, exists)

	sectionID, err := store.EnsureSection(ctx, courseID, "Week 1", 1)
	require.NoError(t, err)
	again, err := store.EnsureSection(ctx, courseID, "Week 1", 7)
	require.NoError(t, err)
	assert.Equal(t, sectionID, again)

	next, err := store.NextClassOrder(ctx, sectionID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	_, err = store.AppendClass(ctx, catalog.Class{SectionID: sectionID, Title: "A", VideoFile: "a.mp4", DisplayOrder: 3})
	require.NoError(t, err)
	next, err = store.NextClassOrder(ctx, sectionID)
	require.NoError(t, err)
	assert.Equal(t, 4, next)

	classes, err := store.ListClasses(ctx, courseID)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, "Week 1", classes[0].SectionName)
	assert.Equal(t, 0, classes[0].Duration)

	sections, err := store.ListSections(ctx, courseID)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, 1, sections[0].DisplayOrder)
}
