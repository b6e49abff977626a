package jobs

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/MimeLyc/course-importer/internal/catalog"
	"github.com/MimeLyc/course-importer/pkg/file"
	"github.com/MimeLyc/course-importer/pkg/log"
)

const recentJobsLimit = 50

var (
	// item intake stays open until the job is terminal
	acceptingStatuses  = []Status{StatusUploading, StatusQueued, StatusProcessing, StatusPaused}
	pausableStatuses   = []Status{StatusUploading, StatusQueued, StatusProcessing, StatusPaused}
	resumableStatuses  = []Status{StatusPaused, StatusUploading, StatusQueued, StatusProcessing}
	cancelableStatuses = []Status{StatusUploading, StatusQueued, StatusProcessing, StatusPaused, StatusError}
	retryableStatuses  = []Status{StatusError, StatusCompleted, StatusQueued, StatusProcessing, StatusPaused}
	deletableStatuses  = []Status{StatusUploading, StatusQueued, StatusPaused, StatusCompleted, StatusError, StatusCancelled}
)

// Sentinels a FileStore wraps when it refuses an upload.
var (
	ErrUnsupportedContent = errors.New("unsupported file content")
	ErrUploadTooLarge     = errors.New("upload too large")
)

// Service implements the job control operations.
type Service struct {
	store   Store
	catalog catalog.Writer
	files   FileStore

	allowedExt map[string]struct{}
	now        func() time.Time
}

type ServiceOption func(*Service)

func WithAllowedExtensions(exts []string) ServiceOption {
	return func(s *Service) {
		s.allowedExt = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			s.allowedExt[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store Store, cat catalog.Writer, files FileStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		catalog: cat,
		files:   files,
		now:     time.Now,
	}
	WithAllowedExtensions([]string{"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv", "m4v"})(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	courseID := req.CourseID
	switch req.Mode {
	case ModeExisting:
		if courseID <= 0 {
			return nil, NewError(ErrValidation, "course_id is required for existing courses")
		}
		ok, err := s.catalog.CourseExists(ctx, courseID)
		if err != nil {
			return nil, WrapError(err, ErrStorage, "check course")
		}
		if !ok {
			return nil, NewError(ErrNotFound, "course not found").WithContext("course_id", courseID)
		}
	case ModeNew:
		title := strings.TrimSpace(req.CourseTitle)
		if title == "" {
			return nil, NewError(ErrValidation, "course_title is required for new courses")
		}
		id, err := s.catalog.CreateCourse(ctx, title)
		if err != nil {
			return nil, WrapError(err, ErrStorage, "create course")
		}
		courseID = id
	default:
		return nil, NewError(ErrValidation, "mode must be \"new\" or \"existing\"").WithContext("mode", req.Mode)
	}

	token, err := newUploadToken()
	if err != nil {
		return nil, WrapError(err, ErrInternal, "generate upload token")
	}

	now := s.now().UTC()
	job := &Job{
		UploadToken: token,
		CourseID:    courseID,
		Mode:        req.Mode,
		CourseTitle: strings.TrimSpace(req.CourseTitle),
		Status:      StatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, WrapError(err, ErrStorage, "create job")
	}
	if err := s.files.EnsureJobDir(job.ID); err != nil {
		return nil, WrapError(err, ErrStorage, "create upload directory").WithContext("job_id", job.ID)
	}

	log.Info("Created import job %d for course %d (mode=%s)", job.ID, courseID, req.Mode)
	return &CreateResult{
		JobID:       job.ID,
		UploadToken: token,
		CourseID:    courseID,
	}, nil
}

// AddItem stores one uploaded file and records it as an uploaded item.
// Resubmitting a live (section, filename) pair returns the existing item.
// The item keeps the client's file name; the stored name is sanitized and
// made unique.
func (s *Service) AddItem(ctx context.Context, req AddItemRequest, body io.Reader) (*AddItemResult, error) {
	req.SectionName = strings.TrimSpace(req.SectionName)
	if req.SectionName == "" {
		return nil, NewError(ErrValidation, "section_name is required")
	}
	original := file.BaseName(req.FileName)
	name := file.SanitizeName(original)
	if name == "" {
		return nil, NewError(ErrValidation, "file is required")
	}
	if !s.extensionAllowed(name) {
		return nil, NewError(ErrValidation, "file type not allowed").WithContext("file", req.FileName)
	}

	job, err := s.authorize(ctx, req.JobID, req.Token)
	if err != nil {
		return nil, err
	}
	if !statusIn(job.Status, acceptingStatuses) {
		return nil, NewError(ErrConflict, "job is not accepting files").WithContext("status", job.Status)
	}

	// duplicates are matched on the client's name, not the sanitized one
	existing, err := s.store.FindLiveItem(ctx, job.ID, req.SectionName, original)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "look up item")
	}
	if existing != nil {
		log.Info("Job %d: %s/%s already submitted as item %d", job.ID, req.SectionName, original, existing.ID)
		return &AddItemResult{ItemID: existing.ID, StoredName: existing.StoredName, Duplicate: true}, nil
	}

	stored, err := s.files.SaveUpload(job.ID, name, body)
	if err != nil {
		if errors.Is(err, ErrUnsupportedContent) {
			return nil, WrapError(err, ErrValidation, "file content is not a supported video").WithContext("file", req.FileName)
		}
		if errors.Is(err, ErrUploadTooLarge) {
			return nil, WrapError(err, ErrValidation, "file exceeds the upload size limit").WithContext("file", req.FileName)
		}
		return nil, WrapError(err, ErrStorage, "store upload").WithContext("job_id", job.ID)
	}

	now := s.now().UTC()
	item := &Item{
		JobID:        job.ID,
		SectionName:  req.SectionName,
		SectionOrder: req.SectionOrder,
		VideoOrder:   req.VideoOrder,
		OriginalName: original,
		StoredName:   stored,
		Status:       ItemUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ok, err := s.store.InsertItem(ctx, item, acceptingStatuses)
	if err != nil || !ok {
		s.discardUpload(job.ID, stored)
		if err != nil {
			return nil, WrapError(err, ErrStorage, "record item")
		}
		return nil, NewError(ErrConflict, "job stopped accepting files").WithContext("job_id", job.ID)
	}

	return &AddItemResult{ItemID: item.ID, StoredName: stored}, nil
}

func (s *Service) FinalizeUploads(ctx context.Context, jobID int64, token string) (*Job, error) {
	if _, err := s.authorize(ctx, jobID, token); err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionJob(ctx, jobID, []Status{StatusUploading}, StatusQueued)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "finalize job")
	}
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ok {
		log.Info("Job %d finalized with %d items", jobID, job.TotalItems)
		return job, nil
	}
	switch job.Status {
	case StatusQueued, StatusProcessing, StatusPaused, StatusCompleted:
		return job, nil
	default:
		return nil, NewError(ErrConflict, "job cannot be finalized").WithContext("status", job.Status)
	}
}

func (s *Service) Status(ctx context.Context, jobID int64) (*StatusReport, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountItems(ctx, jobID)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "count items")
	}
	return &StatusReport{Job: job, ItemsByStatus: counts}, nil
}

// List returns the most recent jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	list, err := s.store.ListJobs(ctx, recentJobsLimit)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "list jobs")
	}
	return list, nil
}

func (s *Service) Items(ctx context.Context, jobID int64) ([]*Item, error) {
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "list items")
	}
	return items, nil
}

func (s *Service) Cancel(ctx context.Context, jobID int64) (*Job, error) {
	ok, err := s.store.CancelJob(ctx, jobID, cancelableStatuses)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "cancel job")
	}
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if job.Status == StatusCancelled {
			return job, nil
		}
		return nil, NewError(ErrConflict, "job already finished").WithContext("status", job.Status)
	}
	if err := s.files.RemoveJobDir(jobID); err != nil {
		log.Warn("Job %d cancelled but temp files could not be removed: %v", jobID, err)
	}
	log.Info("Job %d cancelled", jobID)
	return job, nil
}

// Cleanup permanently deletes the job, its items and its temp files.
func (s *Service) Cleanup(ctx context.Context, jobID int64) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusProcessing {
		return NewError(ErrConflict, "cannot clean up a job while it is processing").WithContext("job_id", jobID)
	}
	ok, err := s.store.DeleteJob(ctx, jobID, deletableStatuses)
	if err != nil {
		return WrapError(err, ErrStorage, "delete job")
	}
	if !ok {
		return NewError(ErrConflict, "job started processing, try again later").WithContext("job_id", jobID)
	}
	if err := s.files.RemoveJobDir(jobID); err != nil {
		log.Warn("Job %d deleted but temp files could not be removed: %v", jobID, err)
	}
	log.Info("Job %d cleaned up", jobID)
	return nil
}

func (s *Service) Pause(ctx context.Context, jobID int64) (*Job, error) {
	ok, err := s.store.TransitionJob(ctx, jobID, pausableStatuses, StatusPaused)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "pause job")
	}
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewError(ErrConflict, "job already finished").WithContext("status", job.Status)
	}
	log.Info("Job %d paused", jobID)
	return job, nil
}

// Resume puts the job back in the queue. Completed jobs are left alone.
func (s *Service) Resume(ctx context.Context, jobID int64) (*Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCompleted {
		return job, nil
	}
	ok, err := s.store.TransitionJob(ctx, jobID, resumableStatuses, StatusQueued)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "resume job")
	}
	if job, err = s.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewError(ErrConflict, "job cannot be resumed").WithContext("status", job.Status)
	}
	log.Info("Job %d resumed", jobID)
	return job, nil
}

// RetryFailed requeues error items whose temp file survived and puts the job back in the queue.
// Jobs still uploading or cancelled are a Conflict.
func (s *Service) RetryFailed(ctx context.Context, jobID int64) (*RetryResult, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusCancelled:
		return nil, NewError(ErrConflict, "job was cancelled").WithContext("job_id", jobID)
	case StatusUploading:
		return nil, NewError(ErrConflict, "finalize uploads before retrying").WithContext("job_id", jobID)
	}

	failed, err := s.store.ItemsWithStatus(ctx, jobID, ItemError)
	if err != nil {
		return nil, WrapError(err, ErrStorage, "list failed items")
	}
	ret := &RetryResult{}
	for _, item := range failed {
		if !s.files.TempExists(jobID, item.StoredName) {
			ret.Skipped++
			continue
		}
		ok, err := s.store.RequeueItem(ctx, item.ID)
		if err != nil {
			return nil, WrapError(err, ErrStorage, "requeue item").WithContext("item_id", item.ID)
		}
		if ok {
			ret.Requeued++
		}
	}

	if err := s.store.RecomputeCounters(ctx, jobID); err != nil {
		return nil, WrapError(err, ErrStorage, "recompute counters")
	}
	if _, err := s.store.TransitionJob(ctx, jobID, retryableStatuses, StatusQueued); err != nil {
		return nil, WrapError(err, ErrStorage, "requeue job")
	}
	log.Info("Job %d retry: %d requeued, %d skipped", jobID, ret.Requeued, ret.Skipped)
	return ret, nil
}

// SweepOrphans removes temp dirs older than minAge that belong to no job.
func (s *Service) SweepOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	ids, err := s.files.StaleJobDirs(s.now().Add(-minAge))
	if err != nil {
		return 0, WrapError(err, ErrStorage, "list temp dirs")
	}
	removed := 0
	for _, id := range ids {
		exists, err := s.store.JobExists(ctx, id)
		if err != nil {
			return removed, WrapError(err, ErrStorage, "check job")
		}
		if exists {
			continue
		}
		if err := s.files.RemoveJobDir(id); err != nil {
			log.Warn("Failed to remove orphaned temp dir for job %d: %v", id, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("Removed %d orphaned upload directories", removed)
	}
	return removed, nil
}

func (s *Service) authorize(ctx context.Context, jobID int64, token string) (*Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		if IsErrorType(err, ErrNotFound) {
			return nil, NewError(ErrInvalidToken, "job not found or invalid token")
		}
		return nil, err
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(job.UploadToken)) != 1 {
		return nil, NewError(ErrInvalidToken, "job not found or invalid token")
	}
	return job, nil
}

func (s *Service) getJob(ctx context.Context, jobID int64) (*Job, error) {
	if jobID <= 0 {
		return nil, NewError(ErrValidation, "job_id is required")
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrNotFound, "job not found").WithContext("job_id", jobID)
		}
		return nil, WrapError(err, ErrStorage, "load job")
	}
	return job, nil
}

func (s *Service) extensionAllowed(name string) bool {
	_, ok := s.allowedExt[file.Ext(name)]
	return ok
}

func (s *Service) discardUpload(jobID int64, stored string) {
	if err := s.files.RemoveUpload(jobID, stored); err != nil {
		log.Warn("Failed to discard upload %s for job %d: %v", stored, jobID, err)
	}
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func newUploadToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
