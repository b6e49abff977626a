package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/course-importer/internal/apiclient"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// runJob takes one job through create, upload, finalize and poll. Uploads
// run on base so a cancel lets the file in flight finish; everything else
// stops as soon as jobCtx ends.
func (m *Manager) runJob(base, jobCtx context.Context, id string) (*jobs.StatusReport, error) {
	if err := m.ensureServerJob(jobCtx, id); err != nil {
		return nil, err
	}
	job, ok := m.view(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Phase != PhaseProcessing {
		if err := m.uploadItems(base, jobCtx, id); err != nil {
			return nil, err
		}
		// a job paused during the last upload is finalized only after resume
		if _, err := m.checkpoint(jobCtx, id); err != nil {
			return nil, err
		}
		if err := m.finalize(jobCtx, id); err != nil {
			return nil, err
		}
	}
	return m.pollToCompletion(jobCtx, id)
}

func (m *Manager) ensureServerJob(ctx context.Context, id string) error {
	job, ok := m.view(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.ServerJobID != 0 {
		return nil
	}

	res, err := m.api.CreateJob(ctx, jobs.CreateRequest{
		Mode:        job.Mode,
		CourseID:    job.CourseID,
		CourseTitle: job.CourseTitle,
	})
	if err != nil {
		return fmt.Errorf("create server job: %w", err)
	}
	log.Info("Import %s has server job %d (course %d)", id, res.JobID, res.CourseID)

	m.update(id, func(j *ClientJob) {
		j.ServerJobID = res.JobID
		j.UploadToken = res.UploadToken
		j.CourseID = res.CourseID
		j.Phase = PhaseUploading
	})
	if job.Mode == jobs.ModeNew {
		m.bus.Publish(TopicJobCourseCreated, CourseCreated{JobID: id, CourseID: res.CourseID})
	}
	return nil
}

func (m *Manager) uploadItems(base, ctx context.Context, id string) error {
	job, ok := m.view(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	m.setProgress(id, PhaseUploading, "Uploading files")

	for si, section := range job.Sections {
		for vi, path := range section.Files {
			cur, err := m.checkpoint(ctx, id)
			if err != nil {
				return err
			}
			key := fileKey(section.Name, path)
			if cur.skipped(section.Name, path) || cur.Uploaded[key] {
				continue
			}

			name := filepath.Base(path)
			m.setProgress(id, PhaseUploading, fmt.Sprintf("Uploading %s", name))
			_, err = m.api.AddItem(base, apiclient.Upload{
				JobID:        cur.ServerJobID,
				Token:        cur.UploadToken,
				SectionName:  section.Name,
				SectionOrder: si + 1,
				VideoOrder:   vi + 1,
				Path:         path,
			})
			if m.cancelled(id) {
				return errJobCancelled
			}
			if err != nil {
				if !fileLevel(err) {
					return fmt.Errorf("upload %s: %w", name, err)
				}
				log.Warn("Upload of %s in %s failed: %v", name, section.Name, err)
				m.update(id, func(j *ClientJob) {
					j.Errors = append(j.Errors, FileError{Section: section.Name, File: name, Message: err.Error()})
				})
				continue
			}

			m.update(id, func(j *ClientJob) {
				if j.Uploaded == nil {
					j.Uploaded = make(map[string]bool)
				}
				j.Uploaded[key] = true
			})
			m.setProgress(id, PhaseUploading, fmt.Sprintf("Uploaded %s", name))
		}
	}
	return nil
}

// checkpoint blocks while the job is paused and fails once it is cancelled.
func (m *Manager) checkpoint(ctx context.Context, id string) (*ClientJob, error) {
	for {
		job, ok := m.view(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if job.Status == StatusCancelled {
			return nil, errJobCancelled
		}
		if !job.Paused {
			return job, nil
		}
		if err := sleep(ctx, m.settings.PauseCheckInterval); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) finalize(ctx context.Context, id string) error {
	job, ok := m.view(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, err := m.api.Finalize(ctx, job.ServerJobID, job.UploadToken); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	m.update(id, func(j *ClientJob) {
		j.Phase = PhaseProcessing
		j.Progress = Progress{Message: "Processing on server", Total: j.Progress.Total}
	})
	log.Info("Import %s finalized, polling server job %d", id, job.ServerJobID)
	return nil
}

// pollToCompletion ticks the worker and reads status until the server job is
// terminal. Transport failures back off up to MaxPollInterval; a job that
// makes no progress for StallTimeout, paused time excluded, is given up on.
func (m *Manager) pollToCompletion(ctx context.Context, id string) (*jobs.StatusReport, error) {
	job, ok := m.view(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	serverID := job.ServerJobID
	interval := m.settings.PollInterval
	lastChange := m.now()
	lastSeen := -1

	for {
		cur, ok := m.view(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if cur.Status == StatusCancelled {
			return nil, errJobCancelled
		}

		report, err := m.pollOnce(ctx, serverID)
		switch {
		case err == nil:
			interval = m.settings.PollInterval
			j := report.Job
			if j.Status.Terminal() {
				return report, nil
			}
			seen := j.ProcessedItems + j.ErrorCount
			if seen != lastSeen || cur.Paused || j.Status == jobs.StatusPaused {
				lastSeen = seen
				lastChange = m.now()
			}
			if cur.Phase == PhaseProcessing {
				m.setProgressCounts(id, j)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case transient(err):
			interval = min(interval*2, m.settings.MaxPollInterval)
			log.Warn("Polling server job %d failed, next try in %v: %v", serverID, interval, err)
			if cur.Paused {
				lastChange = m.now()
			}
		default:
			return nil, err
		}

		if m.now().Sub(lastChange) > m.settings.StallTimeout {
			return nil, fmt.Errorf("server job %d made no progress for %v", serverID, m.settings.StallTimeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, serverID int64) (*jobs.StatusReport, error) {
	if n, err := m.api.Tick(ctx, 0); err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	} else if n > 0 {
		log.Debug("Tick advanced %d items", n)
	}
	report, err := m.api.Status(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if report.Job == nil {
		return nil, fmt.Errorf("status: empty report for job %d", serverID)
	}
	return report, nil
}

// finish records the outcome of runJob. Nothing is written when the manager
// is shutting down so the job resumes on the next load.
func (m *Manager) finish(base context.Context, id string, report *jobs.StatusReport, err error) {
	if base.Err() != nil {
		return
	}
	cur, ok := m.view(id)
	if !ok {
		return
	}
	if cur.Status == StatusCancelled || errors.Is(err, errJobCancelled) {
		m.update(id, func(j *ClientJob) {
			j.Status = StatusCancelled
			j.Paused = false
			j.Progress.Message = "Cancelled"
		})
		return
	}

	if err != nil {
		log.Error("Import %s failed: %v", id, err)
		snapshot, _ := m.update(id, func(j *ClientJob) {
			j.Status = StatusError
			j.Paused = false
			j.Error = err.Error()
			j.Progress.Message = "Failed"
		})
		m.bus.Publish(TopicJobError, snapshot)
		return
	}

	server := report.Job
	summary := &Summary{
		Files:    server.ProcessedItems,
		Errors:   server.ErrorCount + len(cur.Errors),
		Duration: m.now().Sub(cur.StartedAt),
	}
	snapshot, _ := m.update(id, func(j *ClientJob) {
		j.Summary = summary
		j.Paused = false
		j.Progress = Progress{
			Message:   string(server.Status),
			Completed: server.ProcessedItems,
			Total:     server.TotalItems,
		}
		switch server.Status {
		case jobs.StatusCompleted:
			j.Status = StatusCompleted
		case jobs.StatusCancelled:
			j.Status = StatusCancelled
		default:
			j.Status = StatusError
			j.Error = fmt.Sprintf("server job %d ended with %d of %d items failed", server.ID, server.ErrorCount, server.TotalItems)
		}
	})

	switch snapshot.Status {
	case StatusCompleted:
		log.Info("Import %s completed: %d files, %d errors in %v", id, summary.Files, summary.Errors, summary.Duration.Round(time.Millisecond))
		m.bus.Publish(TopicJobCompleted, snapshot)
	case StatusCancelled:
		log.Info("Import %s was cancelled on the server", id)
		m.bus.Publish(TopicJobCancelled, snapshot)
	default:
		log.Error("Import %s failed: %s", id, snapshot.Error)
		m.bus.Publish(TopicJobError, snapshot)
	}
}

func (m *Manager) cancelled(id string) bool {
	job, ok := m.view(id)
	return !ok || job.Status == StatusCancelled
}

func (m *Manager) setProgress(id string, phase Phase, msg string) {
	snapshot, ok := m.update(id, func(j *ClientJob) {
		done, total := j.uploadTotals()
		j.Progress = Progress{Message: msg, Completed: done, Total: total}
	})
	if ok {
		m.bus.Publish(TopicProgressUpdated, ProgressUpdate{JobID: id, Phase: phase, Progress: snapshot.Progress})
	}
}

func (m *Manager) setProgressCounts(id string, server *jobs.Job) {
	var changed bool
	snapshot, ok := m.update(id, func(j *ClientJob) {
		p := Progress{
			Message:   fmt.Sprintf("Processed %d of %d", server.ProcessedItems, server.TotalItems),
			Completed: server.ProcessedItems,
			Total:     server.TotalItems,
		}
		changed = p != j.Progress
		j.Progress = p
	})
	if ok && changed {
		m.bus.Publish(TopicProgressUpdated, ProgressUpdate{JobID: id, Phase: PhaseProcessing, Progress: snapshot.Progress})
	}
}

// fileLevel reports whether an upload error concerns only that file.
func fileLevel(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		apiclient.IsStatus(err, http.StatusBadRequest) ||
		apiclient.IsStatus(err, http.StatusRequestEntityTooLarge)
}

// transient reports whether polling should back off and try again. Client
// timeouts count as transport failures.
func transient(err error) bool {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
