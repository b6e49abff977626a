package jobs

import (
	"context"
	"io"
	"time"
)

// Store is the durable job store. Conditional transitions report whether the
// row was in one of the expected states; callers treat false as "someone else
// got there first", never as an error.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID int64) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	JobExists(ctx context.Context, jobID int64) (bool, error)
	// NextRunnableJob returns the oldest job in {queued, processing}, or nil.
	NextRunnableJob(ctx context.Context) (*Job, error)
	TransitionJob(ctx context.Context, jobID int64, from []Status, to Status) (bool, error)
	// CancelJob moves the job and its non-terminal items to cancelled in one transaction.
	CancelJob(ctx context.Context, jobID int64, from []Status) (bool, error)
	// DeleteJob removes the job and all its items in one transaction.
	DeleteJob(ctx context.Context, jobID int64, from []Status) (bool, error)

	// InsertItem records an uploaded item and bumps the job's total, provided
	// the job is still in one of the accepting states.
	InsertItem(ctx context.Context, item *Item, accepting []Status) (bool, error)
	FindLiveItem(ctx context.Context, jobID int64, sectionName, originalName string) (*Item, error)
	ListItems(ctx context.Context, jobID int64) ([]*Item, error)
	// PendingItems returns up to limit uploaded/queued items in
	// (section_order, video_order, id) order.
	PendingItems(ctx context.Context, jobID int64, limit int) ([]*Item, error)
	ItemsWithStatus(ctx context.Context, jobID int64, status ItemStatus) ([]*Item, error)
	// ClaimItem moves an item from uploaded/queued to processing.
	ClaimItem(ctx context.Context, itemID int64) (bool, error)
	CompleteItem(ctx context.Context, jobID, itemID int64) error
	FailItem(ctx context.Context, jobID, itemID int64, message string) error
	RequeueItem(ctx context.Context, itemID int64) (bool, error)
	CountItems(ctx context.Context, jobID int64) (map[ItemStatus]int, error)
	// RecomputeCounters rewrites total/processed/error counts from item rows.
	RecomputeCounters(ctx context.Context, jobID int64) error
}

// FileStore owns the temporary upload area and the permanent media directory.
type FileStore interface {
	EnsureJobDir(jobID int64) error
	SaveUpload(jobID int64, originalName string, r io.Reader) (string, error)
	RemoveUpload(jobID int64, storedName string) error
	TempExists(jobID int64, storedName string) bool
	// MoveToCourse moves a temp file into the course directory and returns its final name.
	MoveToCourse(jobID int64, storedName string, courseID int64) (string, error)
	RemoveJobDir(jobID int64) error
	// StaleJobDirs lists job ids whose temp dir was last touched before cutoff.
	StaleJobDirs(cutoff time.Time) ([]int64, error)
}
