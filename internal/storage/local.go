// Package storage keeps uploaded files on local disk: one temp directory per
// job while items wait for the worker, one permanent directory per course.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/pkg/file"
)

// sniffBytes is how much of an upload is buffered for content detection.
const sniffBytes = 3072

type Local struct {
	tmpDir    string
	videosDir string
	sniff     bool
	maxBytes  int64
}

type Option func(*Local)

// WithSniffing rejects uploads whose detected type is neither video nor
// unidentifiable binary.
func WithSniffing(enabled bool) Option {
	return func(l *Local) {
		l.sniff = enabled
	}
}

func WithMaxBytes(n int64) Option {
	return func(l *Local) {
		l.maxBytes = n
	}
}

func NewLocal(tmpDir, videosDir string, opts ...Option) (*Local, error) {
	if strings.TrimSpace(tmpDir) == "" || strings.TrimSpace(videosDir) == "" {
		return nil, fmt.Errorf("tmp and videos directories are required")
	}
	l := &Local{tmpDir: tmpDir, videosDir: videosDir, sniff: true}
	for _, opt := range opts {
		opt(l)
	}
	for _, dir := range []string{tmpDir, videosDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Local) JobDir(jobID int64) string {
	return filepath.Join(l.tmpDir, strconv.FormatInt(jobID, 10))
}

func (l *Local) CourseDir(courseID int64) string {
	return filepath.Join(l.videosDir, strconv.FormatInt(courseID, 10))
}

func (l *Local) EnsureJobDir(jobID int64) error {
	return os.MkdirAll(l.JobDir(jobID), 0o755)
}

// SaveUpload writes r into the job's temp directory under a collision-free
// variant of name and returns the stored name.
func (l *Local) SaveUpload(jobID int64, name string, r io.Reader) (string, error) {
	if l.maxBytes > 0 {
		r = io.LimitReader(r, l.maxBytes+1)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if l.sniff {
		if mime := mimetype.Detect(head); !acceptableVideo(mime) {
			return "", fmt.Errorf("%w: detected %s", jobs.ErrUnsupportedContent, mime.String())
		}
	}

	dir := l.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stored, err := file.Reserve(dir, name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, stored)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	written, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), r))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && l.maxBytes > 0 && written > l.maxBytes {
		err = fmt.Errorf("%w: limit is %d bytes", jobs.ErrUploadTooLarge, l.maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return stored, nil
}

func (l *Local) RemoveUpload(jobID int64, storedName string) error {
	err := os.Remove(filepath.Join(l.JobDir(jobID), storedName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Local) TempExists(jobID int64, storedName string) bool {
	if storedName == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(l.JobDir(jobID), storedName))
	return err == nil && info.Mode().IsRegular()
}

// MoveToCourse relocates a temp file into the course directory. The
// destination name is reserved first so concurrent moves never overwrite
// each other. Rename is tried before falling back to copy and remove.
func (l *Local) MoveToCourse(jobID int64, storedName string, courseID int64) (string, error) {
	src := filepath.Join(l.JobDir(jobID), storedName)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dstDir := l.CourseDir(courseID)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	finalName, err := file.Reserve(dstDir, storedName)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dstDir, finalName)

	if err := os.Rename(src, dst); err == nil {
		return finalName, nil
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return finalName, nil
}

// RemoveJobDir deletes the job's temp directory; a missing directory is not an error.
func (l *Local) RemoveJobDir(jobID int64) error {
	return os.RemoveAll(l.JobDir(jobID))
}

func (l *Local) StaleJobDirs(cutoff time.Time) ([]int64, error) {
	dirs, err := file.FindStaleDirs(l.tmpDir, cutoff)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(dirs))
	for _, dir := range dirs {
		id, err := strconv.ParseInt(filepath.Base(dir), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func acceptableVideo(mime *mimetype.MIME) bool {
	for m := mime; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	// octet-stream is the root for binary content mimetype cannot name
	return mime.Is("application/octet-stream")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

var _ jobs.FileStore = (*Local)(nil)
