package queue

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/jobs"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Phase selects which progress messages are surfaced while a job runs.
type Phase string

const (
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
)

const (
	TopicJobAdded         eventbus.Topic = "job_added"
	TopicJobStarted       eventbus.Topic = "job_started"
	TopicJobCourseCreated eventbus.Topic = "job_course_created"
	TopicProgressUpdated  eventbus.Topic = "progress_updated"
	TopicJobPaused        eventbus.Topic = "job_paused"
	TopicJobResumed       eventbus.Topic = "job_resumed"
	TopicJobCompleted     eventbus.Topic = "job_completed"
	TopicJobCancelled     eventbus.Topic = "job_cancelled"
	TopicJobError         eventbus.Topic = "job_error"
	TopicSectionCancelled eventbus.Topic = "section_cancelled"
	TopicFileCancelled    eventbus.Topic = "file_cancelled"
	TopicAllCancelled     eventbus.Topic = "all_cancelled"
	TopicQueuePaused      eventbus.Topic = "queue_paused"
	TopicQueueResumed     eventbus.Topic = "queue_resumed"
	TopicQueueCompleted   eventbus.Topic = "queue_completed"
	TopicQueueRestored    eventbus.Topic = "queue_restored"
	TopicQueueCleaned     eventbus.Topic = "queue_cleaned"
)

// Local store keys.
const (
	stateKey     = "import_queue"
	emergencyKey = "import_queue_emergency"
)

var (
	ErrInvalidJob  = errors.New("invalid import job")
	ErrJobNotFound = errors.New("import job not found")
	ErrForeignJob  = errors.New("import job belongs to another tab")
	ErrJobFinished = errors.New("import job already finished")

	errJobCancelled = errors.New("import cancelled")
)

// Section is one named group of files. Files keep the order they were given in.
type Section struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

// JobConfig describes an import. Mode defaults to existing when CourseID is
// set and to new otherwise.
type JobConfig struct {
	Mode        jobs.Mode
	CourseID    int64
	CourseTitle string
	Sections    []Section
}

type Progress struct {
	Message   string `json:"message"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// FileError is an upload the server refused or a file that could not be read.
type FileError struct {
	Section string `json:"section"`
	File    string `json:"file"`
	Message string `json:"message"`
}

type Summary struct {
	Files    int           `json:"files"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// ClientJob is the local mirror of one import.
type ClientJob struct {
	ID                string          `json:"id"`
	Mode              jobs.Mode       `json:"mode"`
	CourseID          int64           `json:"course_id,omitempty"`
	CourseTitle       string          `json:"course_title,omitempty"`
	Sections          []Section       `json:"sections"`
	Status            Status          `json:"status"`
	Phase             Phase           `json:"phase,omitempty"`
	Paused            bool            `json:"paused,omitempty"`
	Progress          Progress        `json:"progress"`
	CancelledSections map[string]bool `json:"cancelled_sections,omitempty"`
	CancelledFiles    map[string]bool `json:"cancelled_files,omitempty"`
	Uploaded          map[string]bool `json:"uploaded,omitempty"`
	Errors            []FileError     `json:"errors,omitempty"`
	Error             string          `json:"error,omitempty"`
	ServerJobID       int64           `json:"server_job_id,omitempty"`
	UploadToken       string          `json:"upload_token,omitempty"`
	OriginTabID       string          `json:"origin_tab_id"`
	Summary           *Summary        `json:"summary,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
}

func (j *ClientJob) clone() *ClientJob {
	if j == nil {
		return nil
	}
	tmp := *j
	tmp.Sections = make([]Section, len(j.Sections))
	for i, s := range j.Sections {
		tmp.Sections[i] = Section{Name: s.Name, Files: append([]string(nil), s.Files...)}
	}
	tmp.CancelledSections = cloneSet(j.CancelledSections)
	tmp.CancelledFiles = cloneSet(j.CancelledFiles)
	tmp.Uploaded = cloneSet(j.Uploaded)
	tmp.Errors = append([]FileError(nil), j.Errors...)
	if j.Summary != nil {
		s := *j.Summary
		tmp.Summary = &s
	}
	return &tmp
}

func cloneSet(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	ret := make(map[string]bool, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

// skipped reports whether the file was cancelled directly or through its section.
func (j *ClientJob) skipped(section, file string) bool {
	return j.CancelledSections[section] || j.CancelledFiles[fileKey(section, file)]
}

// uploadTotals counts files still meant to be uploaded and those already sent.
func (j *ClientJob) uploadTotals() (done, total int) {
	for _, s := range j.Sections {
		for _, f := range s.Files {
			if j.skipped(s.Name, f) {
				continue
			}
			total++
			if j.Uploaded[fileKey(s.Name, f)] {
				done++
			}
		}
	}
	return done, total
}

func (j *ClientJob) hasSection(name string) bool {
	for _, s := range j.Sections {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (j *ClientJob) hasFile(section, file string) bool {
	for _, s := range j.Sections {
		if s.Name != section {
			continue
		}
		for _, f := range s.Files {
			if f == file || filepath.Base(f) == file {
				return true
			}
		}
	}
	return false
}

// fileKey identifies a file within a job as "section:name".
func fileKey(section, file string) string {
	return section + ":" + filepath.Base(file)
}

// Stats summarises the local queue.
type Stats struct {
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Cancelled  int    `json:"cancelled"`
	Errored    int    `json:"errored"`
	Paused     bool   `json:"paused"`
	Current    string `json:"current,omitempty"`
}

// ErrorReport collects everything that went wrong for one job.
type ErrorReport struct {
	JobID       string      `json:"job_id"`
	Error       string      `json:"error,omitempty"`
	UploadFails []FileError `json:"upload_errors,omitempty"`
	ItemFails   []FileError `json:"item_errors,omitempty"`
}

// ProgressUpdate is the payload of TopicProgressUpdated.
type ProgressUpdate struct {
	JobID    string   `json:"job_id"`
	Phase    Phase    `json:"phase"`
	Progress Progress `json:"progress"`
}

type CourseCreated struct {
	JobID    string `json:"job_id"`
	CourseID int64  `json:"course_id"`
}

// Cancellation is the payload of TopicSectionCancelled and TopicFileCancelled.
type Cancellation struct {
	JobID   string `json:"job_id"`
	Section string `json:"section"`
	File    string `json:"file,omitempty"`
}

type savedState struct {
	Queue     []*ClientJob `json:"queue"`
	IsPaused  bool         `json:"is_paused"`
	LastSaved int64        `json:"last_saved"`
}

// Emergency is the snapshot taken when a tab goes away with work outstanding.
type Emergency struct {
	Queue     []*ClientJob `json:"queue"`
	Timestamp int64        `json:"timestamp"`
	TabID     string       `json:"tab_id"`
	Hostname  string       `json:"hostname"`
}
