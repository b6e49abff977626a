package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/MimeLyc/course-importer/internal/catalog"
)

func (s *SQLiteStore) CreateCourse(ctx context.Context, title string) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, fmt.Errorf("course title is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO courses (title, created_at) VALUES (?, ?)`,
		title,
		s.timestamp(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CourseExists(ctx context.Context, courseID int64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses WHERE id = ?`, courseID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) EnsureSection(ctx context.Context, courseID int64, name string, order int) (int64, error) {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sections (course_id, name, display_order) VALUES (?, ?, ?)
		 ON CONFLICT(course_id, name) DO NOTHING`,
		courseID,
		name,
		order,
	); err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT id FROM sections WHERE course_id = ? AND name = ?`,
		courseID,
		name,
	).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) NextClassOrder(ctx context.Context, sectionID int64) (int, error) {
	var next int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(display_order), 0) + 1 FROM classes WHERE section_id = ?`,
		sectionID,
	).Scan(&next)
	return next, err
}

func (s *SQLiteStore) AppendClass(ctx context.Context, class catalog.Class) (int64, error) {
	if class.CreatedAt.IsZero() {
		class.CreatedAt = s.timestamp()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO classes (section_id, title, video_file, duration, display_order, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		class.SectionID,
		class.Title,
		class.VideoFile,
		class.Duration,
		class.DisplayOrder,
		class.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListSections(ctx context.Context, courseID int64) ([]catalog.Section, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, course_id, name, display_order FROM sections
		 WHERE course_id = ?
		 ORDER BY display_order ASC, id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]catalog.Section, 0)
	for rows.Next() {
		var sec catalog.Section
		if err := rows.Scan(&sec.ID, &sec.CourseID, &sec.Name, &sec.DisplayOrder); err != nil {
			return nil, err
		}
		ret = append(ret, sec)
	}
	return ret, rows.Err()
}

// ListClasses returns a course's classes in the order they were appended.
func (s *SQLiteStore) ListClasses(ctx context.Context, courseID int64) ([]catalog.Class, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT c.id, c.section_id, s.name, c.title, c.video_file, c.duration, c.display_order, c.created_at
		 FROM classes c
		 JOIN sections s ON s.id = c.section_id
		 WHERE s.course_id = ?
		 ORDER BY c.id ASC`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]catalog.Class, 0)
	for rows.Next() {
		var c catalog.Class
		if err := rows.Scan(
			&c.ID,
			&c.SectionID,
			&c.SectionName,
			&c.Title,
			&c.VideoFile,
			&c.Duration,
			&c.DisplayOrder,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

var (
	_ catalog.Writer = (*SQLiteStore)(nil)
	_ catalog.Reader = (*SQLiteStore)(nil)
)
