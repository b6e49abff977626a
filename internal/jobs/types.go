package jobs

import "time"

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are expected without operator action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

type ItemStatus string

const (
	ItemUploaded   ItemStatus = "uploaded"
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemError      ItemStatus = "error"
	ItemCancelled  ItemStatus = "cancelled"
)

// Pending reports whether the worker may still claim the item.
func (s ItemStatus) Pending() bool {
	return s == ItemUploaded || s == ItemQueued
}

func (s ItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemError || s == ItemCancelled
}

type Mode string

const (
	ModeNew      Mode = "new"
	ModeExisting Mode = "existing"
)

type Job struct {
	ID             int64     `json:"id"`
	UploadToken    string    `json:"-"`
	CourseID       int64     `json:"course_id"`
	Mode           Mode      `json:"mode"`
	CourseTitle    string    `json:"course_title,omitempty"`
	Status         Status    `json:"status"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	ErrorCount     int       `json:"error_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Item struct {
	ID           int64      `json:"id"`
	JobID        int64      `json:"job_id"`
	SectionName  string     `json:"section_name"`
	SectionOrder int        `json:"section_order"`
	VideoOrder   int        `json:"video_order"`
	OriginalName string     `json:"original_name"`
	StoredName   string     `json:"stored_name"`
	Status       ItemStatus `json:"status"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StatusReport is a single job with its item-status histogram.
type StatusReport struct {
	Job           *Job               `json:"job"`
	ItemsByStatus map[ItemStatus]int `json:"items_by_status"`
}

type CreateRequest struct {
	Mode        Mode   `json:"mode"`
	CourseID    int64  `json:"course_id,omitempty"`
	CourseTitle string `json:"course_title,omitempty"`
}

type CreateResult struct {
	JobID       int64  `json:"job_id"`
	UploadToken string `json:"upload_token"`
	CourseID    int64  `json:"course_id"`
}

type AddItemRequest struct {
	JobID        int64
	Token        string
	SectionName  string
	SectionOrder int
	VideoOrder   int
	FileName     string
}

type AddItemResult struct {
	ItemID     int64  `json:"item_id"`
	StoredName string `json:"stored_name"`
	Duplicate  bool   `json:"duplicate"`
}

type RetryResult struct {
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}
