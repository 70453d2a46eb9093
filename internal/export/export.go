// Package export reads committed submissions back out: listings, a zip of a
// whole session, a copy into a directory and an S3 mirror. It never changes
// ledger or storage state.
package export

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"examgate/internal/ledger"
	"examgate/internal/storage"
)

var ErrNoSubmission = errors.New("submission not found")

const copyConcurrency = 4

// Records lists the committed records of a session in serial order.
type Records interface {
	List(ctx context.Context, sessionID string) ([]ledger.Record, error)
}

// Entry is one listed submission.
type Entry struct {
	Serial           int       `json:"serial"`
	StudentID        string    `json:"student_id"`
	StudentName      string    `json:"student_name"`
	SourceAddress    string    `json:"source_address"`
	OriginalFilename string    `json:"original_filename"`
	StoredName       string    `json:"stored_name"`
	Size             int64     `json:"size"`
	Checksum         string    `json:"checksum"`
	SubmittedAt      time.Time `json:"submitted_at"`

	path string
}

// Service exports a session's files.
type Service struct {
	records Records
	storage *storage.Engine
}

// NewService creates an export service.
func NewService(records Records, st *storage.Engine) *Service {
	return &Service{records: records, storage: st}
}

// ListSubmissions returns the session's submissions ordered by serial.
func (s *Service) ListSubmissions(ctx context.Context, sessionID string) ([]Entry, error) {
	recs, err := s.records.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{
			Serial:           r.Serial,
			StudentID:        r.StudentID,
			StudentName:      r.StudentName,
			SourceAddress:    r.SourceAddress,
			OriginalFilename: r.OriginalFilename,
			StoredName:       filepath.Base(r.StoredPath),
			Size:             r.Size,
			Checksum:         r.Checksum,
			SubmittedAt:      r.SubmittedAt,
			path:             r.StoredPath,
		})
	}
	return out, nil
}

// Open returns the stored file of one submission. The caller closes it.
func (s *Service) Open(ctx context.Context, sessionID string, serial int) (Entry, *os.File, error) {
	entries, err := s.ListSubmissions(ctx, sessionID)
	if err != nil {
		return Entry{}, nil, err
	}
	for _, e := range entries {
		if e.Serial == serial {
			f, err := s.storage.Open(e.path)
			if err != nil {
				return Entry{}, nil, err
			}
			return e, f, nil
		}
	}
	return Entry{}, nil, ErrNoSubmission
}

// WriteZip streams every committed file of the session into a zip archive,
// followed by a manifest.csv describing them. It returns the number of files.
func (s *Service) WriteZip(ctx context.Context, sessionID string, w io.Writer) (int, error) {
	entries, err := s.ListSubmissions(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.addToZip(zw, e); err != nil {
			return 0, err
		}
	}
	if err := writeManifest(zw, entries); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish zip: %w", err)
	}
	return len(entries), nil
}

func (s *Service) addToZip(zw *zip.Writer, e Entry) error {
	f, err := s.storage.Open(e.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.StoredName, err)
	}
	defer f.Close()

	hdr := &zip.FileHeader{Name: e.StoredName, Method: zip.Deflate, Modified: e.SubmittedAt}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("zip %s: %w", e.StoredName, err)
	}
	return nil
}

func writeManifest(zw *zip.Writer, entries []Entry) error {
	dst, err := zw.Create("manifest.csv")
	if err != nil {
		return err
	}
	cw := csv.NewWriter(dst)
	_ = cw.Write([]string{"serial", "student_id", "student_name", "source_address", "original_filename", "stored_name", "size", "sha256", "submitted_at"})
	for _, e := range entries {
		_ = cw.Write([]string{
			strconv.Itoa(e.Serial), e.StudentID, e.StudentName, e.SourceAddress, e.OriginalFilename,
			e.StoredName, strconv.FormatInt(e.Size, 10), e.Checksum, e.SubmittedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	return cw.Error()
}

// CopyTo copies the session's files into dir, a few at a time. Existing files
// in dir with the same name are replaced.
func (s *Service) CopyTo(ctx context.Context, sessionID, dir string) (int, error) {
	entries, err := s.ListSubmissions(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.copyOne(e, filepath.Join(dir, e.StoredName))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Service) copyOne(e Entry, dst string) error {
	src, err := s.storage.Open(e.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.StoredName, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", e.StoredName, err)
	}
	return out.Close()
}
