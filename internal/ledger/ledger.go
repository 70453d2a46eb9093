// Package ledger tracks, per exam session, which students and source addresses
// have submitted and hands out gap-free serial numbers. Admission is two-phase:
// TryReserve claims the identity before any bytes are written, Commit assigns
// the serial, publishes the file and writes the durable record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"examgate/internal/store"
)

var (
	ErrDuplicateStudent   = errors.New("student already submitted to this session")
	ErrDuplicateAddress   = errors.New("source address already submitted to this session")
	ErrReservationExpired = errors.New("reservation is no longer held")
	ErrSessionClosed      = errors.New("session was torn down")
	ErrInvariant          = errors.New("serial already recorded for session")
	ErrUnknownPolicy      = errors.New("unknown uniqueness policy")
)

// Policy decides which prior submissions block a new one.
type Policy string

const (
	// PolicyEither rejects a repeat of the student id or of the source address.
	PolicyEither Policy = "either"
	// PolicyBoth rejects only a repeat of the exact (student id, address) pair.
	PolicyBoth Policy = "both"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyEither, PolicyBoth:
		return p, nil
	case "":
		return PolicyEither, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
}

const DefaultReservationTTL = 2 * time.Minute

// Record is one committed submission.
type Record struct {
	SessionID        string    `db:"session_id" json:"session_id"`
	Serial           int       `db:"serial" json:"serial"`
	StudentID        string    `db:"student_id" json:"student_id"`
	StudentName      string    `db:"student_name" json:"student_name"`
	SourceAddress    string    `db:"source_address" json:"source_address"`
	OriginalFilename string    `db:"original_filename" json:"original_filename"`
	StoredPath       string    `db:"stored_path" json:"-"`
	Size             int64     `db:"size" json:"size"`
	Checksum         string    `db:"checksum" json:"checksum"`
	SubmittedAt      time.Time `db:"submitted_at" json:"submitted_at"`
}

// Reservation is a provisional claim on a student id and address.
type Reservation struct {
	SessionID     string
	StudentID     string
	SourceAddress string
	Deadline      time.Time

	token uint64
}

// Pending is a fully written upload that still needs its serial.
type Pending interface {
	Publish(labName, studentID string, serial int) (string, error)
	Discard() error
}

// Entry carries the record fields that Commit does not derive itself.
type Entry struct {
	LabName          string
	StudentName      string
	OriginalFilename string
	Size             int64
	Checksum         string
}

// Ledger holds one book per session. Each book has its own lock, so sessions
// never contend with each other.
type Ledger struct {
	repo   Repository
	policy Policy
	ttl    time.Duration
	now    func() time.Time
	tokens atomic.Uint64

	mu    sync.Mutex
	books map[string]*book
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPolicy(p Policy) Option { return func(l *Ledger) { l.policy = p } }

// WithReservationTTL bounds how long a reservation may wait for its commit.
func WithReservationTTL(d time.Duration) Option { return func(l *Ledger) { l.ttl = d } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a ledger over repo. Books are loaded lazily on first use.
func New(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		policy: PolicyEither,
		ttl:    DefaultReservationTTL,
		now:    time.Now,
		books:  make(map[string]*book),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the active uniqueness policy.
func (l *Ledger) Policy() Policy { return l.policy }

// committed marks a claim backed by a durable record.
const committed uint64 = 0

// A dropped book stays in the map as a tombstone so nothing can be admitted
// to a torn-down session. An evicted book was forgotten and is reloaded on
// next use.
type book struct {
	mu      sync.Mutex
	loaded  bool
	dropped bool
	evicted bool
	next    int
	claims  map[string]uint64
	held    map[uint64]*Reservation
}

func (l *Ledger) book(sessionID string) *book {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[sessionID]
	if !ok {
		b = &book{next: 1, claims: make(map[string]uint64), held: make(map[uint64]*Reservation)}
		l.books[sessionID] = b
	}
	return b
}

// lockBook returns the session's book locked and hydrated from the repository.
func (l *Ledger) lockBook(ctx context.Context, sessionID string) (*book, error) {
	for {
		b := l.book(sessionID)
		b.mu.Lock()
		if b.dropped {
			b.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		if b.loaded {
			return b, nil
		}
		recs, err := l.repo.ListBySession(ctx, sessionID)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("load ledger for session %s: %w", sessionID, err)
		}
		for _, rec := range recs {
			for _, k := range l.keys(rec.StudentID, rec.SourceAddress) {
				b.claims[k] = committed
			}
			if rec.Serial >= b.next {
				b.next = rec.Serial + 1
			}
		}
		b.loaded = true
		return b, nil
	}
}

func (l *Ledger) keys(studentID, address string) []string {
	if l.policy == PolicyBoth {
		return []string{"p:" + studentID + "\x00" + address}
	}
	return []string{"s:" + studentID, "a:" + address}
}

func conflict(key string) error {
	if key[0] == 'a' {
		return ErrDuplicateAddress
	}
	return ErrDuplicateStudent
}

// TryReserve atomically checks the session's committed and reserved claims
// and, when nothing conflicts, claims studentID and address until the
// reservation is committed, released or expires.
func (l *Ledger) TryReserve(ctx context.Context, sessionID, studentID, address string) (*Reservation, error) {
	b, err := l.lockBook(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	now := l.now()
	b.expire(now)
	keys := l.keys(studentID, address)
	for _, k := range keys {
		if _, taken := b.claims[k]; taken {
			return nil, conflict(k)
		}
	}

	res := &Reservation{
		SessionID:     sessionID,
		StudentID:     studentID,
		SourceAddress: address,
		Deadline:      now.Add(l.ttl),
		token:         l.tokens.Add(1),
	}
	for _, k := range keys {
		b.claims[k] = res.token
	}
	b.held[res.token] = res
	return res, nil
}

// Release drops a reservation that will not be committed. Unknown or already
// released reservations are ignored.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	b := l.book(res.SessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.releaseLocked(b, res.token)
}

func (l *Ledger) releaseLocked(b *book, token uint64) {
	res, ok := b.held[token]
	if !ok {
		return
	}
	for _, k := range l.keys(res.StudentID, res.SourceAddress) {
		if b.claims[k] == token {
			delete(b.claims, k)
		}
	}
	delete(b.held, token)
}

func (b *book) expire(now time.Time) []*Reservation {
	var gone []*Reservation
	for _, res := range b.held {
		if now.After(res.Deadline) {
			gone = append(gone, res)
		}
	}
	for _, res := range gone {
		for k, tok := range b.claims {
			if tok == res.token {
				delete(b.claims, k)
			}
		}
		delete(b.held, res.token)
	}
	return gone
}

// NextSerial reports the serial the next commit in the session will receive.
func (l *Ledger) NextSerial(ctx context.Context, sessionID string) (int, error) {
	b, err := l.lockBook(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	return b.next, nil
}

// Commit turns a reservation into a durable record. Under the session lock it
// takes the next serial, publishes p under the path that encodes it and
// inserts the record. On any failure the published file is discarded, the
// reservation is released and the serial is not consumed.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, e Entry, p Pending) (Record, error) {
	b, err := l.lockBook(ctx, res.SessionID)
	if err != nil {
		_ = p.Discard()
		return Record{}, err
	}
	defer b.mu.Unlock()

	held, ok := b.held[res.token]
	if !ok || l.now().After(held.Deadline) {
		l.releaseLocked(b, res.token)
		_ = p.Discard()
		return Record{}, ErrReservationExpired
	}

	serial := b.next
	path, err := p.Publish(e.LabName, res.StudentID, serial)
	if err != nil {
		_ = p.Discard()
		l.releaseLocked(b, res.token)
		return Record{}, fmt.Errorf("publish: %w", err)
	}

	rec := Record{
		SessionID:        res.SessionID,
		Serial:           serial,
		StudentID:        res.StudentID,
		StudentName:      e.StudentName,
		SourceAddress:    res.SourceAddress,
		OriginalFilename: e.OriginalFilename,
		StoredPath:       path,
		Size:             e.Size,
		Checksum:         e.Checksum,
		SubmittedAt:      l.now().UTC(),
	}
	if err := l.repo.Insert(ctx, rec); err != nil {
		_ = p.Discard()
		l.releaseLocked(b, res.token)
		if store.IsUniqueViolation(err) {
			return Record{}, fmt.Errorf("%w: session %s serial %d", ErrInvariant, res.SessionID, serial)
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}

	b.next++
	for _, k := range l.keys(res.StudentID, res.SourceAddress) {
		b.claims[k] = committed
	}
	delete(b.held, res.token)
	return rec, nil
}

// Sweep releases reservations whose deadline passed without a commit and
// returns them.
func (l *Ledger) Sweep(now time.Time) []*Reservation {
	l.mu.Lock()
	books := make([]*book, 0, len(l.books))
	for _, b := range l.books {
		books = append(books, b)
	}
	l.mu.Unlock()

	var gone []*Reservation
	for _, b := range books {
		b.mu.Lock()
		gone = append(gone, b.expire(now)...)
		b.mu.Unlock()
	}
	return gone
}

// List returns a session's committed records in serial order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]Record, error) {
	return l.repo.ListBySession(ctx, sessionID)
}

// All returns every committed record.
func (l *Ledger) All(ctx context.Context) ([]Record, error) {
	return l.repo.ListAll(ctx)
}

// DropSession deletes a session's records and closes its book for good:
// reservations in flight fail to commit and new ones fail with
// ErrSessionClosed. Retrying after a failed delete is safe.
func (l *Ledger) DropSession(ctx context.Context, sessionID string) error {
	for {
		b := l.book(sessionID)
		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		defer b.mu.Unlock()
		b.dropped = true
		b.held = make(map[uint64]*Reservation)
		b.claims = make(map[string]uint64)
		if err := l.repo.DeleteBySession(ctx, sessionID); err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		return nil
	}
}

// Forget evicts the books of sessions that no longer admit, releasing their
// claims from memory. A later call for one of them reloads it from the
// repository. Books with live reservations and tombstones are kept.
func (l *Ledger) Forget(sessionIDs ...string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range sessionIDs {
		b, ok := l.books[id]
		if !ok {
			continue
		}
		b.mu.Lock()
		if !b.dropped && len(b.held) == 0 {
			b.evicted = true
			delete(l.books, id)
			n++
		}
		b.mu.Unlock()
	}
	return n
}
