package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MimeLyc/course-importer/internal/jobs"
)

const jobColumns = `id, upload_token, course_id, mode, course_title, status,
	total_items, processed_items, error_count, created_at, updated_at`

const itemColumns = `id, job_id, section_name, section_order, video_order, original_name,
	stored_name, status, message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var mode, status string
	if err := row.Scan(
		&job.ID,
		&job.UploadToken,
		&job.CourseID,
		&mode,
		&job.CourseTitle,
		&status,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.ErrorCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Mode = jobs.Mode(mode)
	job.Status = jobs.Status(status)
	return &job, nil
}

func scanItem(row rowScanner) (*jobs.Item, error) {
	var item jobs.Item
	var status string
	if err := row.Scan(
		&item.ID,
		&item.JobID,
		&item.SectionName,
		&item.SectionOrder,
		&item.VideoOrder,
		&item.OriginalName,
		&item.StoredName,
		&status,
		&item.Message,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = jobs.ItemStatus(status)
	return &item, nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]*jobs.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.timestamp()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			upload_token, course_id, mode, course_title, status,
			total_items, processed_items, error_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UploadToken,
		job.CourseID,
		string(job.Mode),
		job.CourseTitle,
		string(job.Status),
		job.TotalItems,
		job.ProcessedItems,
		job.ErrorCount,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	job.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID int64) (*jobs.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", jobID, jobs.ErrRecordNotFound)
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) JobExists(ctx context.Context, jobID int64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) NextRunnableJob(ctx context.Context) (*jobs.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		string(jobs.StatusQueued),
		string(jobs.StatusProcessing),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, jobID int64, from []jobs.Status, to jobs.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append([]any{string(to), s.timestamp(), jobID}, stringArgs(from)...)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID int64, from []jobs.Status) (ok bool, err error) {
	if len(from) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	now := s.timestamp()
	args := append([]any{string(jobs.StatusCancelled), now, jobID}, stringArgs(from)...)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	if ok, err = affected(res); err != nil || !ok {
		return false, err
	}

	if _, err = tx.ExecContext(
		ctx,
		`UPDATE job_items SET status = ?, updated_at = ?
		 WHERE job_id = ? AND status IN (?, ?, ?)`,
		string(jobs.ItemCancelled),
		now,
		jobID,
		string(jobs.ItemUploaded),
		string(jobs.ItemQueued),
		string(jobs.ItemProcessing),
	); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID int64, from []jobs.Status) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	var status string
	if err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("job %d: %w", jobID, jobs.ErrRecordNotFound)
		}
		return false, err
	}
	for _, st := range from {
		if string(st) == status {
			ok = true
			break
		}
	}
	if !ok {
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM job_items WHERE job_id = ?`, jobID); err != nil {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) InsertItem(ctx context.Context, item *jobs.Item, accepting []jobs.Status) (ok bool, err error) {
	if item == nil {
		return false, fmt.Errorf("item is nil")
	}
	if len(accepting) == 0 {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	now := s.timestamp()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	args := append([]any{now, item.JobID}, stringArgs(accepting)...)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET total_items = total_items + 1, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(accepting))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	if ok, err = affected(res); err != nil || !ok {
		return false, err
	}

	res, err = tx.ExecContext(
		ctx,
		`INSERT INTO job_items (
			job_id, section_name, section_order, video_order, original_name,
			stored_name, status, message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.JobID,
		item.SectionName,
		item.SectionOrder,
		item.VideoOrder,
		item.OriginalName,
		item.StoredName,
		string(item.Status),
		item.Message,
		item.CreatedAt.UTC(),
		item.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) FindLiveItem(ctx context.Context, jobID int64, sectionName, originalName string) (*jobs.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = ? AND section_name = ? AND original_name = ? AND status NOT IN (?, ?)
		 ORDER BY id ASC
		 LIMIT 1`,
		jobID,
		sectionName,
		originalName,
		string(jobs.ItemError),
		string(jobs.ItemCancelled),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *SQLiteStore) ListItems(ctx context.Context, jobID int64) ([]*jobs.Item, error) {
	return s.queryItems(
		ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = ?
		 ORDER BY section_order ASC, video_order ASC, id ASC`,
		jobID,
	)
}

func (s *SQLiteStore) PendingItems(ctx context.Context, jobID int64, limit int) ([]*jobs.Item, error) {
	return s.queryItems(
		ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = ? AND status IN (?, ?)
		 ORDER BY section_order ASC, video_order ASC, id ASC
		 LIMIT ?`,
		jobID,
		string(jobs.ItemUploaded),
		string(jobs.ItemQueued),
		limit,
	)
}

func (s *SQLiteStore) ItemsWithStatus(ctx context.Context, jobID int64, status jobs.ItemStatus) ([]*jobs.Item, error) {
	return s.queryItems(
		ctx,
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = ? AND status = ?
		 ORDER BY section_order ASC, video_order ASC, id ASC`,
		jobID,
		string(status),
	)
}

func (s *SQLiteStore) ClaimItem(ctx context.Context, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE job_items SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(jobs.ItemProcessing),
		s.timestamp(),
		itemID,
		string(jobs.ItemUploaded),
		string(jobs.ItemQueued),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, jobID, itemID int64) error {
	return s.finishItem(ctx, jobID, itemID, jobs.ItemDone, "", "processed_items")
}

func (s *SQLiteStore) FailItem(ctx context.Context, jobID, itemID int64, message string) error {
	return s.finishItem(ctx, jobID, itemID, jobs.ItemError, message, "error_count")
}

// finishItem moves a processing item to its final state and bumps the
// matching job counter, both or neither.
func (s *SQLiteStore) finishItem(ctx context.Context, jobID, itemID int64, status jobs.ItemStatus, message, counter string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.timestamp()
	res, err := tx.ExecContext(
		ctx,
		`UPDATE job_items SET status = ?, message = ?, updated_at = ?
		 WHERE id = ? AND job_id = ? AND status = ?`,
		string(status),
		message,
		now,
		itemID,
		jobID,
		string(jobs.ItemProcessing),
	)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if ok {
		// counter is one of two fixed column names
		if _, err = tx.ExecContext(
			ctx,
			`UPDATE jobs SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`,
			now,
			jobID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RequeueItem(ctx context.Context, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE job_items SET status = ?, message = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(jobs.ItemUploaded),
		s.timestamp(),
		itemID,
		string(jobs.ItemError),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) CountItems(ctx context.Context, jobID int64) (map[jobs.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM job_items WHERE job_id = ? GROUP BY status`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make(map[jobs.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		ret[jobs.ItemStatus(status)] = n
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) RecomputeCounters(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
			total_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ?),
			processed_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = ?),
			error_count = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = ?),
			updated_at = ?
		 WHERE id = ?`,
		jobID,
		jobID,
		string(jobs.ItemDone),
		jobID,
		string(jobs.ItemError),
		s.timestamp(),
		jobID,
	)
	return err
}

var _ jobs.Store = (*SQLiteStore)(nil)
