// Package storage writes accepted submissions to disk. Bytes land in a staging
// file first, are fsynced, and only then renamed under their final
// <lab>/<session>/<serial>_<student>_<filename> path, so a file visible under
// the final tree is always complete.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	ErrTooLarge   = errors.New("upload exceeds the size limit")
	ErrEmpty      = errors.New("upload is empty")
	ErrExists     = errors.New("destination already exists")
	ErrOutsideDir = errors.New("path is outside the storage root")
	ErrMissing    = errors.New("stored file is missing")
)

const (
	stagingDir = ".staging"
	partSuffix = ".part"
	dirPerm    = 0o755
	filePerm   = 0o644
)

// Engine owns a directory tree of committed submissions.
type Engine struct {
	root     string
	maxBytes int64
}

// New prepares root and its staging area. maxBytes <= 0 disables the size limit.
func New(root string, maxBytes int64) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Engine{root: abs, maxBytes: maxBytes}, nil
}

// Root returns the absolute storage root.
func (e *Engine) Root() string { return e.root }

// Upload names a submission to persist.
type Upload struct {
	SessionID string
	LabName   string
	StudentID string
	Serial    int
	Filename  string
}

// Persist stages r and publishes it under the final path for u.
func (e *Engine) Persist(ctx context.Context, u Upload, r io.Reader) (string, error) {
	st, err := e.Stage(ctx, u.SessionID, u.Filename, r)
	if err != nil {
		return "", err
	}
	path, err := st.Publish(u.LabName, u.StudentID, u.Serial)
	if err != nil {
		_ = st.Discard()
		return "", err
	}
	return path, nil
}

// Staged is a fully written, fsynced upload waiting for its serial.
type Staged struct {
	e         *Engine
	sessionID string
	filename  string
	tmp       string
	final     string

	Size     int64
	Checksum string
}

// Filename returns the sanitised original name.
func (s *Staged) Filename() string { return s.filename }

// Stage copies r into a staging file. Cancelling ctx aborts the copy; any
// failure removes the partial file.
func (e *Engine) Stage(ctx context.Context, sessionID, filename string, r io.Reader) (st *Staged, err error) {
	tmp := filepath.Join(e.root, stagingDir, uuid.NewString()+partSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	src := io.Reader(ctxReader{ctx: ctx, r: r})
	if e.maxBytes > 0 {
		src = io.LimitReader(src, e.maxBytes+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), src)
	if err != nil {
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	if e.maxBytes > 0 && n > e.maxBytes {
		return nil, ErrTooLarge
	}
	if n == 0 {
		return nil, ErrEmpty
	}
	if err = f.Sync(); err != nil {
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}
	return &Staged{
		e:         e,
		sessionID: sessionID,
		filename:  SanitizeFilename(filename),
		tmp:       tmp,
		Size:      n,
		Checksum:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Publish renames the staged file into its final location and syncs the
// directory. It never overwrites an existing file.
func (s *Staged) Publish(labName, studentID string, serial int) (string, error) {
	if s.final != "" {
		return s.final, nil
	}
	dir := s.e.sessionDir(labName, s.sessionID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	final := filepath.Join(dir, FileName(serial, studentID, s.filename))
	if _, err := os.Lstat(final); err == nil {
		return "", fmt.Errorf("%s: %w", final, ErrExists)
	}
	if err := os.Rename(s.tmp, final); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	s.final = final
	if err := syncDir(dir); err != nil {
		return "", fmt.Errorf("sync session dir: %w", err)
	}
	return final, nil
}

// Discard removes the staged or published file. Safe to call more than once.
func (s *Staged) Discard() error {
	path := s.tmp
	if s.final != "" {
		path = s.final
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveSession deletes every file stored for a session.
func (e *Engine) RemoveSession(labName, sessionID string) error {
	return os.RemoveAll(e.sessionDir(labName, sessionID))
}

// Open opens a stored file for reading. Paths outside the root are refused.
func (e *Engine) Open(path string) (*os.File, error) {
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, stagingDir) {
		return nil, ErrOutsideDir
	}
	return os.Open(path)
}

func (e *Engine) sessionDir(labName, sessionID string) string {
	return filepath.Join(e.root, sanitizePart(labName, "lab"), sanitizePart(sessionID, "session"))
}

// FileName builds the final on-disk name for a submission.
func FileName(serial int, studentID, filename string) string {
	return fmt.Sprintf("%04d_%s_%s", serial, sanitizePart(studentID, "student"), SanitizeFilename(filename))
}

// ParseName recovers the serial, student id and filename from a FileName result.
func ParseName(name string) (serial int, studentID, filename string, ok bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return 0, "", "", false
	}
	serial, err := strconv.Atoi(parts[0])
	if err != nil || serial < 1 {
		return 0, "", "", false
	}
	return serial, parts[1], parts[2], true
}

// SanitizeFilename keeps the base name only, replaces whitespace with
// underscores and drops characters that are unsafe in paths.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune('_')
		case r == '/' || r == 0 || unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// sanitizePart produces a single path segment without underscores, so
// FileName results split unambiguously.
func sanitizePart(s, fallback string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return fallback
	}
	return out
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
