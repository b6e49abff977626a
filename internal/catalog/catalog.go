// Package catalog describes the course catalog the import pipeline writes into.
// Catalog CRUD lives elsewhere; the pipeline only needs these operations.
package catalog

import (
	"context"
	"time"
)

type Course struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Section struct {
	ID           int64  `json:"id"`
	CourseID     int64  `json:"course_id"`
	Name         string `json:"name"`
	DisplayOrder int    `json:"display_order"`
}

// Class is one playable entry inside a section.
type Class struct {
	ID           int64     `json:"id"`
	SectionID    int64     `json:"section_id"`
	SectionName  string    `json:"section_name,omitempty"`
	Title        string    `json:"title"`
	VideoFile    string    `json:"video_file"`
	Duration     int       `json:"duration"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
}

// Writer is the narrow surface the import worker and job control need.
type Writer interface {
	CreateCourse(ctx context.Context, title string) (int64, error)
	CourseExists(ctx context.Context, courseID int64) (bool, error)
	// EnsureSection returns the section named name in the course, creating it
	// at order when absent.
	EnsureSection(ctx context.Context, courseID int64, name string, order int) (int64, error)
	NextClassOrder(ctx context.Context, sectionID int64) (int, error)
	AppendClass(ctx context.Context, class Class) (int64, error)
}

// Reader lists what has been imported, in insertion order.
type Reader interface {
	ListClasses(ctx context.Context, courseID int64) ([]Class, error)
	ListSections(ctx context.Context, courseID int64) ([]Section, error)
}
