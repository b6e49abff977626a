// Package library turns a course folder on disk into ordered sections of
// video files.
package library

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// RootSection names the section holding files that sit directly in the
// scanned folder.
const RootSection = "General"

var defaultExtensions = []string{"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv", "m4v"}

type Section struct {
	Name  string
	Files []string
}

type Course struct {
	Title    string
	Path     string
	Sections []Section
}

type Option func(*Scanner)

// WithExtensions restricts the scan to files with these extensions, given
// with or without the dot.
func WithExtensions(exts []string) Option {
	return func(s *Scanner) {
		if len(exts) == 0 {
			return
		}
		s.exts = s.exts[:0]
		for _, ext := range exts {
			s.exts = append(s.exts, "."+strings.ToLower(strings.TrimPrefix(ext, ".")))
		}
	}
}

type Scanner struct {
	exts []string
}

func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{}
	for _, ext := range defaultExtensions {
		s.exts = append(s.exts, "."+ext)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks root. Each first-level subdirectory becomes a section and
// deeper folders fold into it. Sections and files are ordered naturally, so
// "Lesson 2" sorts before "Lesson 10". Hidden entries are skipped.
func (s *Scanner) Scan(ctx context.Context, root string) (*Course, error) {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	bySection := make(map[string][]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !slices.Contains(s.exts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		name := resolveSectionName(root, path)
		bySection[name] = append(bySection[name], path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	col := newCollator()
	names := make([]string, 0, len(bySection))
	for name := range bySection {
		names = append(names, name)
	}
	// loose files come first
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == RootSection:
			return -1
		case b == RootSection:
			return 1
		}
		return col.CompareString(a, b)
	})

	course := &Course{Title: filepath.Base(root), Path: root}
	for _, name := range names {
		files := bySection[name]
		slices.SortFunc(files, func(a, b string) int {
			if c := col.CompareString(relPath(root, a), relPath(root, b)); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		})
		course.Sections = append(course.Sections, Section{Name: name, Files: files})
	}
	return course, nil
}

func newCollator() *collate.Collator {
	return collate.New(language.Und, collate.Numeric, collate.IgnoreCase)
}

func resolveSectionName(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." {
		return RootSection
	}
	return strings.SplitN(rel, string(filepath.Separator), 2)[0]
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
