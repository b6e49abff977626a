package jobs

import (
	"context"
	"fmt"

	"github.com/MimeLyc/course-importer/internal/catalog"
)

// Importer turns one uploaded item into a catalog entry.
type Importer struct {
	catalog catalog.Writer
	files   FileStore
}

func NewImporter(cat catalog.Writer, files FileStore) *Importer {
	return &Importer{catalog: cat, files: files}
}

func (im *Importer) Import(ctx context.Context, job *Job, item *Item) error {
	sectionOrder := item.SectionOrder
	if sectionOrder <= 0 {
		sectionOrder = 1
	}
	sectionID, err := im.catalog.EnsureSection(ctx, job.CourseID, item.SectionName, sectionOrder)
	if err != nil {
		return fmt.Errorf("ensure section %q: %w", item.SectionName, err)
	}

	if !im.files.TempExists(job.ID, item.StoredName) {
		return fmt.Errorf("temporary file %s not found", item.StoredName)
	}
	finalName, err := im.files.MoveToCourse(job.ID, item.StoredName, job.CourseID)
	if err != nil {
		return fmt.Errorf("move %s: %w", item.StoredName, err)
	}

	order := item.VideoOrder
	if order <= 0 {
		if order, err = im.catalog.NextClassOrder(ctx, sectionID); err != nil {
			return fmt.Errorf("next class order: %w", err)
		}
	}

	if _, err := im.catalog.AppendClass(ctx, catalog.Class{
		SectionID:    sectionID,
		Title:        TitleFromFilename(item.OriginalName),
		VideoFile:    finalName,
		Duration:     0,
		DisplayOrder: order,
	}); err != nil {
		return fmt.Errorf("append class: %w", err)
	}
	return nil
}
