package jobs

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/course-importer/pkg/log"
)

const interruptedMessage = "interrupted before completion"

type Worker struct {
	store    Store
	importer *Importer

	defaultBatch int
	maxBatch     int
	flight       singleflight.Group
}

type WorkerOption func(*Worker)

func WithBatchSize(defaultBatch, maxBatch int) WorkerOption {
	return func(w *Worker) {
		if defaultBatch > 0 {
			w.defaultBatch = defaultBatch
		}
		if maxBatch >= w.defaultBatch {
			w.maxBatch = maxBatch
		}
	}
}

func NewWorker(store Store, importer *Importer, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:        store,
		importer:     importer,
		defaultBatch: 5,
		maxBatch:     50,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Tick advances the oldest runnable job by at most limit items and returns how
// many items reached done or error. Overlapping calls in this process share
// one run.
func (w *Worker) Tick(ctx context.Context, limit int) (int, error) {
	v, err, _ := w.flight.Do("tick", func() (any, error) {
		return w.tick(ctx, w.clamp(limit))
	})
	n, _ := v.(int)
	return n, err
}

func (w *Worker) clamp(limit int) int {
	if limit <= 0 {
		return w.defaultBatch
	}
	if limit > w.maxBatch {
		return w.maxBatch
	}
	return limit
}

func (w *Worker) tick(ctx context.Context, limit int) (int, error) {
	job, err := w.store.NextRunnableJob(ctx)
	if err != nil {
		return 0, fmt.Errorf("select job: %w", err)
	}
	if job == nil {
		return 0, nil
	}

	if job.Status == StatusQueued {
		if _, err := w.store.TransitionJob(ctx, job.ID, []Status{StatusQueued}, StatusProcessing); err != nil {
			return 0, fmt.Errorf("start job %d: %w", job.ID, err)
		}
	}
	// a pause or cancel may have landed since selection
	if job, err = w.store.GetJob(ctx, job.ID); err != nil {
		return 0, fmt.Errorf("reload job: %w", err)
	}
	if job.Status != StatusProcessing {
		log.Debug("Job %d is %s, skipping tick", job.ID, job.Status)
		return 0, nil
	}

	items, err := w.store.PendingItems(ctx, job.ID, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch items for job %d: %w", job.ID, err)
	}
	if len(items) == 0 {
		return 0, w.reconcile(ctx, job)
	}

	advanced := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.store.ClaimItem(ctx, item.ID)
		if err != nil {
			return advanced, fmt.Errorf("claim item %d: %w", item.ID, err)
		}
		if !claimed {
			continue
		}

		if importErr := w.importer.Import(ctx, job, item); importErr != nil {
			log.Warn("Job %d item %d (%s) failed: %v", job.ID, item.ID, item.OriginalName, importErr)
			if err := w.store.FailItem(ctx, job.ID, item.ID, importErr.Error()); err != nil {
				return advanced, fmt.Errorf("record failure of item %d: %w", item.ID, err)
			}
		} else if err := w.store.CompleteItem(ctx, job.ID, item.ID); err != nil {
			return advanced, fmt.Errorf("complete item %d: %w", item.ID, err)
		}
		advanced++
	}
	log.Info("Job %d: advanced %d item(s)", job.ID, advanced)
	return advanced, nil
}

// reconcile settles a job with no claimable items left. Counts come from the
// item rows, not from the job counters, so a crash mid-tick cannot leave the
// job processing forever: items still marked processing are failed and the
// job ends in error unless every item is done.
func (w *Worker) reconcile(ctx context.Context, job *Job) error {
	stuck, err := w.store.ItemsWithStatus(ctx, job.ID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("list stuck items: %w", err)
	}
	for _, item := range stuck {
		log.Warn("Job %d item %d was left processing, marking as error", job.ID, item.ID)
		if err := w.store.FailItem(ctx, job.ID, item.ID, interruptedMessage); err != nil {
			return fmt.Errorf("fail stuck item %d: %w", item.ID, err)
		}
	}

	counts, err := w.store.CountItems(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	final := StatusCompleted
	if total > 0 && counts[ItemDone] < total {
		final = StatusError
	}
	if err := w.store.RecomputeCounters(ctx, job.ID); err != nil {
		return fmt.Errorf("recompute counters: %w", err)
	}
	ok, err := w.store.TransitionJob(ctx, job.ID, []Status{StatusProcessing}, final)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	if ok {
		log.Info("Job %d finished as %s (%d/%d done)", job.ID, final, counts[ItemDone], total)
	}
	return nil
}
