package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPasscodeAttempts = 16

	// Retention keeps terminal sessions resolvable for a while so late students
	// get "window closed" instead of "invalid passcode".
	DefaultRetention = time.Hour
)

// Uploads is the identity-store side of the uploads-enabled switch.
type Uploads interface {
	SetUploadsEnabled(ctx context.Context, teacherID string, enabled bool) error
}

// Registry resolves passcodes to sessions. Reads take a shared lock; creation
// and teacher mutations take the exclusive lock.
type Registry struct {
	repo      Repository
	uploads   Uploads
	now       Clock
	passcodes PasscodeFunc
	retention time.Duration

	mu     sync.RWMutex
	byID   map[string]*Session
	byCode map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(c Clock) Option { return func(r *Registry) { r.now = c } }

// WithPasscodes overrides the passcode generator.
func WithPasscodes(f PasscodeFunc) Option { return func(r *Registry) { r.passcodes = f } }

// WithRetention sets how long terminal sessions stay resolvable.
func WithRetention(d time.Duration) Option { return func(r *Registry) { r.retention = d } }

// NewRegistry creates an empty registry. Call Load to rebuild it from repo.
func NewRegistry(repo Repository, uploads Uploads, opts ...Option) *Registry {
	r := &Registry{
		repo:      repo,
		uploads:   uploads,
		now:       time.Now,
		passcodes: RandomPasscode,
		retention: DefaultRetention,
		byID:      make(map[string]*Session),
		byCode:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load indexes every session that is still within its retention period.
func (r *Registry) Load(ctx context.Context) error {
	sessions, err := r.repo.ListEndingAfter(ctx, r.now().UTC().Add(-r.retention))
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for i := range sessions {
		s := sessions[i]
		r.byID[s.ID] = &s
		// ordered by creation, so a later live session wins a shared code
		if prevID, ok := r.byCode[s.Passcode]; ok && !r.byID[prevID].Terminal(now) && s.Terminal(now) {
			continue
		}
		r.byCode[s.Passcode] = s.ID
	}
	return nil
}

// CreateSession opens a new window of the given duration starting now. The
// passcode is unique among all indexed sessions that can still admit.
func (r *Registry) CreateSession(ctx context.Context, teacherID, labName string, duration time.Duration) (Session, error) {
	if duration <= 0 {
		return Session{}, ErrInvalidDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	code, err := r.freePasscodeLocked(now)
	if err != nil {
		return Session{}, err
	}

	s := Session{
		ID:        uuid.NewString(),
		Passcode:  code,
		TeacherID: teacherID,
		LabName:   strings.TrimSpace(labName),
		StartTime: now,
		EndTime:   now.Add(duration),
		Active:    true,
		CreatedAt: now,
	}
	if err := r.repo.Insert(ctx, s); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	r.byID[s.ID] = &s
	r.byCode[s.Passcode] = s.ID
	return s, nil
}

func (r *Registry) freePasscodeLocked(now time.Time) (string, error) {
	for i := 0; i < maxPasscodeAttempts; i++ {
		code, err := r.passcodes()
		if err != nil {
			return "", fmt.Errorf("generate passcode: %w", err)
		}
		id, taken := r.byCode[code]
		if !taken || r.byID[id].Terminal(now) {
			return code, nil
		}
	}
	return "", ErrPasscodeSpace
}

// Resolve returns the session indexed under passcode, without judging its window.
func (r *Registry) Resolve(passcode string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[strings.ToUpper(strings.TrimSpace(passcode))]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *r.byID[id], nil
}

// Get returns the live state of an indexed session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Lookup is Get with a fallback to the repository for sessions past retention.
func (r *Registry) Lookup(ctx context.Context, id string) (Session, error) {
	if s, err := r.Get(id); err == nil {
		return s, nil
	}
	return r.repo.Get(ctx, id)
}

// ListByTeacher returns every session the teacher ever opened, newest first.
func (r *Registry) ListByTeacher(ctx context.Context, teacherID string) ([]Session, error) {
	sessions, err := r.repo.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	// indexed copies are authoritative for sessions mutated since they were written
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range sessions {
		if live, ok := r.byID[sessions[i].ID]; ok {
			sessions[i] = *live
		}
	}
	return sessions, nil
}

// Extend pushes the end of an admitting session back by extra.
func (r *Registry) Extend(ctx context.Context, sessionID string, extra time.Duration) (Session, error) {
	if extra <= 0 {
		return Session{}, ErrInvalidDuration
	}
	return r.mutate(ctx, sessionID, func(s *Session, now time.Time) (bool, error) {
		if s.Terminal(now) {
			return false, ErrInactive
		}
		s.EndTime = s.EndTime.Add(extra)
		return true, nil
	})
}

// Deactivate closes a session immediately. Idempotent.
func (r *Registry) Deactivate(ctx context.Context, sessionID string) (Session, error) {
	return r.mutate(ctx, sessionID, func(s *Session, _ time.Time) (bool, error) {
		if !s.Active {
			return false, nil
		}
		s.Active = false
		return true, nil
	})
}

// SetUploadsEnabled toggles uploads for all of a teacher's sessions.
func (r *Registry) SetUploadsEnabled(ctx context.Context, teacherID string, enabled bool) error {
	return r.uploads.SetUploadsEnabled(ctx, teacherID, enabled)
}

func (r *Registry) mutate(ctx context.Context, sessionID string, apply func(*Session, time.Time) (bool, error)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := *cur
	changed, err := apply(&next, r.now())
	if err != nil || !changed {
		return next, err
	}
	if err := r.repo.Update(ctx, next); err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	*cur = next
	return next, nil
}

// Delete drops the session from the index and the repository. Callers tear
// down submissions first.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.repo.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if s, ok := r.byID[sessionID]; ok {
		if r.byCode[s.Passcode] == sessionID {
			delete(r.byCode, s.Passcode)
		}
		delete(r.byID, sessionID)
	}
	return nil
}

// Sweep unindexes terminal sessions whose end is older than the retention period.
// It returns the ids it dropped.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	for id, s := range r.byID {
		if !s.Terminal(now) || !now.After(s.EndTime.Add(r.retention)) {
			continue
		}
		if r.byCode[s.Passcode] == id {
			delete(r.byCode, s.Passcode)
		}
		delete(r.byID, id)
		dropped = append(dropped, id)
	}
	return dropped
}
