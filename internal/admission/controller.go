// Package admission decides whether a student submission is accepted. It
// resolves the passcode, checks the live session window and the teacher's
// uploads switch, reserves the student and address in the ledger, stages the
// bytes outside every lock and commits them under the session lock.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"examgate/internal/ledger"
	"examgate/internal/logsvc"
	"examgate/internal/metrics"
	"examgate/internal/queue"
	"examgate/internal/session"
	"examgate/internal/storage"
)

const DefaultSubmitTimeout = 2 * time.Minute

// Sessions is the part of the registry the controller reads.
type Sessions interface {
	Resolve(passcode string) (session.Session, error)
	Get(id string) (session.Session, error)
}

// Uploads reports a teacher's uploads-enabled switch.
type Uploads interface {
	UploadsEnabled(ctx context.Context, teacherID string) (bool, error)
}

// Request is one student submission.
type Request struct {
	Passcode      string
	StudentID     string
	StudentName   string
	SourceAddress string
	Filename      string
	Body          io.Reader
}

// Result describes an accepted submission.
type Result struct {
	SessionID string        `json:"session_id"`
	LabName   string        `json:"lab_name"`
	Record    ledger.Record `json:"record"`
}

// Serial is the number assigned to the submission within its session.
func (r Result) Serial() int { return r.Record.Serial }

// Controller runs the admission sequence.
type Controller struct {
	sessions Sessions
	uploads  Uploads
	ledger   *ledger.Ledger
	storage  *storage.Engine

	events  queue.Queue
	metrics *metrics.Admission
	log     *logsvc.Logger
	now     session.Clock
	timeout time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c session.Clock) Option { return func(ctl *Controller) { ctl.now = c } }

// WithSubmitTimeout bounds a whole Submit call, including the byte copy.
func WithSubmitTimeout(d time.Duration) Option { return func(ctl *Controller) { ctl.timeout = d } }

// WithEvents publishes a commit event for every accepted submission.
func WithEvents(q queue.Queue) Option { return func(ctl *Controller) { ctl.events = q } }

func WithMetrics(m *metrics.Admission) Option { return func(ctl *Controller) { ctl.metrics = m } }

func WithLogger(l *logsvc.Logger) Option { return func(ctl *Controller) { ctl.log = l } }

// NewController wires the admission path.
func NewController(sessions Sessions, uploads Uploads, l *ledger.Ledger, st *storage.Engine, opts ...Option) *Controller {
	c := &Controller{
		sessions: sessions,
		uploads:  uploads,
		ledger:   l,
		storage:  st,
		now:      time.Now,
		timeout:  DefaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logsvc.New(log.Default(), "", "")
	}
	return c
}

// Submit admits or rejects req. Rejections are *Rejection errors; use
// ReasonOf to classify any returned error.
func (c *Controller) Submit(ctx context.Context, req Request) (Result, error) {
	res, err := c.submit(ctx, req)
	c.metrics.Observe(string(ReasonOf(err)))
	return res, err
}

func (c *Controller) submit(ctx context.Context, req Request) (Result, error) {
	req.Passcode = strings.TrimSpace(req.Passcode)
	req.StudentID = strings.TrimSpace(req.StudentID)
	req.StudentName = strings.TrimSpace(req.StudentName)
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Passcode == "" || req.StudentID == "" || req.Filename == "" || req.Body == nil {
		return Result{}, reject(InvalidRequest, nil)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resolved, err := c.sessions.Resolve(req.Passcode)
	if err != nil {
		return Result{}, reject(InvalidPasscode, err)
	}
	// read the live session so extensions and deactivations made after
	// resolution are honoured
	s, err := c.sessions.Get(resolved.ID)
	if err != nil {
		return Result{}, reject(WindowClosed, err)
	}
	if !session.Open(s, c.now()) {
		return Result{}, reject(WindowClosed, nil)
	}
	enabled, err := c.uploads.UploadsEnabled(ctx, s.TeacherID)
	if err != nil {
		return Result{}, fmt.Errorf("uploads flag for teacher %s: %w", s.TeacherID, err)
	}
	if !enabled {
		return Result{}, reject(UploadsDisabled, nil)
	}

	rsv, err := c.ledger.TryReserve(ctx, s.ID, req.StudentID, req.SourceAddress)
	switch {
	case errors.Is(err, ledger.ErrDuplicateStudent):
		return Result{}, reject(DuplicateStudent, err)
	case errors.Is(err, ledger.ErrDuplicateAddress):
		return Result{}, reject(DuplicateAddress, err)
	case errors.Is(err, ledger.ErrSessionClosed):
		return Result{}, reject(WindowClosed, err)
	case err != nil:
		return Result{}, reject(StorageFailure, err)
	}

	started := time.Now()
	staged, err := c.storage.Stage(ctx, s.ID, req.Filename, req.Body)
	if err != nil {
		c.ledger.Release(rsv)
		if errors.Is(err, storage.ErrEmpty) || errors.Is(err, storage.ErrTooLarge) {
			return Result{}, reject(InvalidRequest, err)
		}
		return Result{}, reject(StorageFailure, err)
	}

	rec, err := c.ledger.Commit(ctx, rsv, ledger.Entry{
		LabName:          s.LabName,
		StudentName:      req.StudentName,
		OriginalFilename: staged.Filename(),
		Size:             staged.Size,
		Checksum:         staged.Checksum,
	}, staged)
	if err != nil {
		if errors.Is(err, ledger.ErrInvariant) {
			c.log.Critical("commit violated serial uniqueness", err, map[string]interface{}{
				"session_id": s.ID, "student_id": req.StudentID,
			})
			return Result{}, err
		}
		if errors.Is(err, ledger.ErrSessionClosed) {
			return Result{}, reject(WindowClosed, err)
		}
		return Result{}, reject(StorageFailure, err)
	}
	c.metrics.Stored(rec.Size, time.Since(started))
	c.publish(s, rec)

	return Result{SessionID: s.ID, LabName: s.LabName, Record: rec}, nil
}

func (c *Controller) publish(s session.Session, rec ledger.Record) {
	if c.events == nil {
		return
	}
	msg, err := queue.Encode(queue.TypeSubmissionCommitted, queue.SubmissionCommitted{
		SessionID:  s.ID,
		LabName:    s.LabName,
		Serial:     rec.Serial,
		StudentID:  rec.StudentID,
		StoredPath: rec.StoredPath,
		Checksum:   rec.Checksum,
		At:         rec.SubmittedAt,
	})
	if err != nil {
		c.log.Printf("encode commit event: %v", err)
		return
	}
	// the record is durable already; a slow queue must not hold the response
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, msg); err != nil {
		c.log.Printf("queue publish failed: %v", err)
	}
}
