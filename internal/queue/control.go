package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MimeLyc/course-importer/internal/apiclient"
	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// Jobs returns every known job, this tab's and others', oldest first.
func (m *Manager) Jobs() []*ClientJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) Job(id string) (*ClientJob, error) {
	job, ok := m.view(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: len(m.jobs), Paused: m.paused, Current: m.current}
	for _, job := range m.jobs {
		switch job.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusCancelled:
			s.Cancelled++
		case StatusError:
			s.Errored++
		}
	}
	return s
}

// PauseQueue stops new jobs from starting. The current job keeps running.
func (m *Manager) PauseQueue() {
	m.mu.Lock()
	m.paused = true
	m.broadcastLocked()
	m.mu.Unlock()

	log.Info("Import queue paused")
	m.persist()
	m.bus.Publish(TopicQueuePaused, nil)
}

func (m *Manager) ResumeQueue() {
	m.mu.Lock()
	m.paused = false
	m.broadcastLocked()
	m.mu.Unlock()

	log.Info("Import queue resumed")
	m.persist()
	m.bus.Publish(TopicQueueResumed, nil)
	m.signal()
}

// PauseJob holds a job at its next upload checkpoint. Once the job is
// processing on the server the server job is paused as well.
func (m *Manager) PauseJob(ctx context.Context, id string) error {
	m.mu.Lock()
	job, err := m.ownJobLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	if job.Paused {
		m.mu.Unlock()
		return nil
	}
	job.Paused = true
	job.UpdatedAt = m.now()
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	log.Info("Import %s paused", id)
	m.persist()
	var serverErr error
	if onServer(snapshot) {
		_, err := m.api.Pause(ctx, snapshot.ServerJobID)
		if apiclient.IsStatus(err, http.StatusConflict) {
			// the server job already finished; polling settles the local status
			m.update(id, func(j *ClientJob) { j.Paused = false })
			log.Info("Import %s finished on the server before it could be paused", id)
			return fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		if err != nil {
			serverErr = fmt.Errorf("pause server job %d: %w", snapshot.ServerJobID, err)
		}
	}
	m.bus.Publish(TopicJobPaused, snapshot)
	return serverErr
}

func (m *Manager) ResumeJob(ctx context.Context, id string) error {
	m.mu.Lock()
	job, err := m.ownJobLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	if !job.Paused {
		m.mu.Unlock()
		return nil
	}
	job.Paused = false
	job.UpdatedAt = m.now()
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	log.Info("Import %s resumed", id)
	m.persist()
	var serverErr error
	if onServer(snapshot) {
		if _, err := m.api.Resume(ctx, snapshot.ServerJobID); err != nil {
			serverErr = fmt.Errorf("resume server job %d: %w", snapshot.ServerJobID, err)
		}
	}
	m.bus.Publish(TopicJobResumed, snapshot)
	m.signal()
	return serverErr
}

func onServer(job *ClientJob) bool {
	return job.Phase == PhaseProcessing && job.ServerJobID != 0
}

// CancelJob stops a job for good. An upload in flight is allowed to finish;
// files already submitted stay on the server job, which is cancelled too.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	m.mu.Lock()
	job, err := m.ownJobLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	job.Status = StatusCancelled
	job.Paused = false
	job.Progress.Message = "Cancelled"
	job.UpdatedAt = m.now()
	stop := m.cancels[id]
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	log.Info("Import %s cancelled", id)
	m.persist()
	if stop != nil {
		stop()
	}
	var serverErr error
	if snapshot.ServerJobID != 0 {
		if _, err := m.api.Cancel(ctx, snapshot.ServerJobID); err != nil {
			serverErr = fmt.Errorf("cancel server job %d: %w", snapshot.ServerJobID, err)
		}
	}
	m.bus.Publish(TopicJobCancelled, snapshot)
	return serverErr
}

// CancelSection skips the files of a section that are not uploaded yet.
func (m *Manager) CancelSection(id, section string) error {
	snapshot, err := m.cancelPart(id, func(j *ClientJob) error {
		if !j.hasSection(section) {
			return fmt.Errorf("%w: no section %q", ErrInvalidJob, section)
		}
		if j.CancelledSections == nil {
			j.CancelledSections = make(map[string]bool)
		}
		j.CancelledSections[section] = true
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Import %s: section %q cancelled", id, section)
	m.bus.Publish(TopicSectionCancelled, Cancellation{JobID: snapshot.ID, Section: section})
	return nil
}

// CancelFile skips one file; file may be the path given at creation or its base name.
func (m *Manager) CancelFile(id, section, file string) error {
	snapshot, err := m.cancelPart(id, func(j *ClientJob) error {
		if !j.hasFile(section, file) {
			return fmt.Errorf("%w: no file %q in section %q", ErrInvalidJob, file, section)
		}
		if j.CancelledFiles == nil {
			j.CancelledFiles = make(map[string]bool)
		}
		j.CancelledFiles[fileKey(section, file)] = true
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Import %s: file %q in %q cancelled", id, file, section)
	m.bus.Publish(TopicFileCancelled, Cancellation{JobID: snapshot.ID, Section: section, File: file})
	return nil
}

func (m *Manager) cancelPart(id string, fn func(*ClientJob) error) (*ClientJob, error) {
	m.mu.Lock()
	job, err := m.ownJobLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	if err := fn(job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if job.Phase != PhaseProcessing {
		job.Progress.Completed, job.Progress.Total = job.uploadTotals()
	}
	job.UpdatedAt = m.now()
	m.broadcastLocked()
	snapshot := job.clone()
	m.mu.Unlock()

	m.persist()
	return snapshot, nil
}

// CancelAll cancels every unfinished job of this tab and returns how many.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	var ids []string
	for _, job := range m.snapshotLocked() {
		if job.OriginTabID == m.tabID && !job.Status.Terminal() {
			ids = append(ids, job.ID)
		}
	}
	m.mu.Unlock()

	var errs []error
	n := 0
	for _, id := range ids {
		err := m.CancelJob(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrJobFinished):
		default:
			// the local job is cancelled even when the server call fails
			n++
			errs = append(errs, err)
		}
	}
	m.bus.Publish(TopicAllCancelled, n)
	return n, errors.Join(errs...)
}

// ClearCompleted forgets this tab's completed and cancelled jobs. Failed jobs
// stay so their errors can still be reported.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	n := 0
	for id, job := range m.jobs {
		if job.OriginTabID != m.tabID {
			continue
		}
		if job.Status == StatusCompleted || job.Status == StatusCancelled {
			delete(m.jobs, id)
			m.removed[id] = true
			n++
		}
	}
	m.broadcastLocked()
	m.mu.Unlock()

	if n > 0 {
		log.Info("Cleared %d finished imports", n)
		m.persist()
	}
	m.bus.Publish(TopicQueueCleaned, n)
	return n
}

// ErrorReport lists upload failures recorded locally and items the server
// failed to process.
func (m *Manager) ErrorReport(ctx context.Context, id string) (*ErrorReport, error) {
	job, ok := m.view(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	report := &ErrorReport{
		JobID:       job.ID,
		Error:       job.Error,
		UploadFails: job.Errors,
	}
	if job.ServerJobID == 0 {
		return report, nil
	}
	items, err := m.api.Items(ctx, job.ServerJobID)
	if err != nil {
		return report, fmt.Errorf("list server items: %w", err)
	}
	for _, item := range items {
		if item.Status != jobs.ItemError {
			continue
		}
		report.ItemFails = append(report.ItemFails, FileError{
			Section: item.SectionName,
			File:    item.OriginalName,
			Message: item.Message,
		})
	}
	return report, nil
}

// Adopt makes this tab the origin of a job left behind by another one, so
// its remaining uploads can run here. Only adopt jobs whose tab is gone.
func (m *Manager) Adopt(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	if job.OriginTabID == m.tabID {
		m.mu.Unlock()
		return nil
	}
	prev := job.OriginTabID
	m.adoptLocked(job)
	m.mu.Unlock()

	log.Info("Adopted import %s from %s", id, prev)
	m.persist()
	m.signal()
	return nil
}

func (m *Manager) adoptLocked(job *ClientJob) {
	job.OriginTabID = m.tabID
	if job.Status == StatusProcessing {
		job.Status = StatusPending
	}
	job.UpdatedAt = m.now()
	delete(m.removed, job.ID)
	m.broadcastLocked()
}
