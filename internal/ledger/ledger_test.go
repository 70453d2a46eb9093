package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examgate/internal/storage"
	"examgate/internal/store"
)

type memRepo struct {
	mu       sync.Mutex
	rows     []Record
	failNext error
}

func (m *memRepo) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.rows = append(m.rows, rec)
	return nil
}

func (m *memRepo) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.rows {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (m *memRepo) ListAll(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.rows...), nil
}

func (m *memRepo) DeleteBySession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func newEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.New(t.TempDir(), 0)
	require.NoError(t, err)
	return e
}

// submit runs the full reserve, stage and commit sequence.
func submit(ctx context.Context, l *Ledger, e *storage.Engine, sessionID, student, addr string) (Record, error) {
	res, err := l.TryReserve(ctx, sessionID, student, addr)
	if err != nil {
		return Record{}, err
	}
	st, err := e.Stage(ctx, sessionID, "answers.pdf", strings.NewReader("answers of "+student))
	if err != nil {
		l.Release(res)
		return Record{}, err
	}
	return l.Commit(ctx, res, Entry{
		LabName:          "Lab 1",
		StudentName:      "Student " + student,
		OriginalFilename: "answers.pdf",
		Size:             st.Size,
		Checksum:         st.Checksum,
	}, st)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyEither, p)

	p, err = ParsePolicy("both")
	require.NoError(t, err)
	assert.Equal(t, PolicyBoth, p)

	_, err = ParsePolicy("neither")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestEitherPolicyRejectsRepeats(t *testing.T) {
	ctx := context.Background()
	l := New(&memRepo{})
	e := newEngine(t)

	rec, err := submit(ctx, l, e, "s1", "S100", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Serial)
	assert.FileExists(t, rec.StoredPath)
	assert.Equal(t, "0001_S100_answers.pdf", filepath.Base(rec.StoredPath))

	_, err = l.TryReserve(ctx, "s1", "S100", "10.0.0.9")
	require.ErrorIs(t, err, ErrDuplicateStudent)
	_, err = l.TryReserve(ctx, "s1", "S200", "10.0.0.5")
	require.ErrorIs(t, err, ErrDuplicateAddress)

	rec, err = submit(ctx, l, e, "s1", "S200", "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Serial)

	// another session has its own book
	rec, err = submit(ctx, l, e, "s2", "S100", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Serial)
}

func TestReservationsBlockLikeCommits(t *testing.T) {
	ctx := context.Background()
	l := New(&memRepo{})

	res, err := l.TryReserve(ctx, "s1", "S1", "A1")
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, "s1", "S1", "A2")
	require.ErrorIs(t, err, ErrDuplicateStudent)
	_, err = l.TryReserve(ctx, "s1", "S2", "A1")
	require.ErrorIs(t, err, ErrDuplicateAddress)

	l.Release(res)
	l.Release(res)

	_, err = l.TryReserve(ctx, "s1", "S1", "A1")
	require.NoError(t, err)
}

func TestBothPolicyOnlyRejectsExactPair(t *testing.T) {
	ctx := context.Background()
	l := New(&memRepo{}, WithPolicy(PolicyBoth))
	e := newEngine(t)

	_, err := submit(ctx, l, e, "s1", "S1", "A1")
	require.NoError(t, err)
	_, err = submit(ctx, l, e, "s1", "S1", "A2")
	require.NoError(t, err)
	rec, err := submit(ctx, l, e, "s1", "S2", "A1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Serial)

	_, err = l.TryReserve(ctx, "s1", "S1", "A1")
	require.ErrorIs(t, err, ErrDuplicateStudent)
}

func TestConcurrentSameStudentAdmitsOne(t *testing.T) {
	ctx := context.Background()
	l := New(&memRepo{})
	e := newEngine(t)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := submit(ctx, l, e, "s1", "S100", fmt.Sprintf("10.0.1.%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateStudent):
				dup++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
}

func TestConcurrentCommitsAreGapFree(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := New(repo)
	e := newEngine(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := submit(ctx, l, e, "s1", fmt.Sprintf("S%03d", i), fmt.Sprintf("10.0.0.%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	recs, err := l.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Serial)
		serial, student, _, ok := storage.ParseName(filepath.Base(rec.StoredPath))
		require.True(t, ok)
		assert.Equal(t, rec.Serial, serial)
		assert.Equal(t, rec.StudentID, student)
	}
}

func TestFailedInsertDoesNotConsumeSerial(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := New(repo)
	e := newEngine(t)

	_, err := submit(ctx, l, e, "s1", "S1", "A1")
	require.NoError(t, err)

	repo.failNext = errors.New("disk full")
	_, err = submit(ctx, l, e, "s1", "S2", "A2")
	require.Error(t, err)

	// the file published for serial 2 was rolled back
	_, statErr := os.Stat(filepath.Join(e.Root(), "Lab-1", "s1", storage.FileName(2, "S2", "answers.pdf")))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	next, err := l.NextSerial(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	// the student was not marked as submitted and may retry
	rec, err := submit(ctx, l, e, "s1", "S2", "A2")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Serial)
}

func TestExpiredReservationCannotCommit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	l := New(&memRepo{}, WithReservationTTL(time.Minute), WithClock(func() time.Time { return now }))
	e := newEngine(t)

	res, err := l.TryReserve(ctx, "s1", "S1", "A1")
	require.NoError(t, err)
	st, err := e.Stage(ctx, "s1", "a.txt", strings.NewReader("x"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	gone := l.Sweep(now)
	require.Len(t, gone, 1)
	assert.Equal(t, "S1", gone[0].StudentID)

	_, err = l.Commit(ctx, res, Entry{LabName: "Lab"}, st)
	require.ErrorIs(t, err, ErrReservationExpired)
	entries, err := os.ReadDir(filepath.Join(e.Root(), ".staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// claims were released with the reservation
	_, err = l.TryReserve(ctx, "s1", "S2", "A1")
	require.NoError(t, err)
}

func TestDropSession(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := New(repo)
	e := newEngine(t)

	_, err := submit(ctx, l, e, "s1", "S1", "A1")
	require.NoError(t, err)
	_, err = submit(ctx, l, e, "s2", "S1", "A1")
	require.NoError(t, err)
	pending, err := l.TryReserve(ctx, "s1", "S2", "A2")
	require.NoError(t, err)

	require.NoError(t, l.DropSession(ctx, "s1"))

	recs, err := l.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	all, err := l.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	st, err := e.Stage(ctx, "s1", "a.txt", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, pending, Entry{LabName: "Lab"}, st)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.NoFileExists(t, filepath.Join(e.Root(), "Lab", "s1", "0001_S2_a.txt"))

	// the dropped session admits nothing, even though its records are gone
	_, err = l.TryReserve(ctx, "s1", "S9", "A9")
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = l.NextSerial(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionClosed)
	recs, err = l.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, l.DropSession(ctx, "s1"), "retrying a teardown")
	_, err = submit(ctx, l, e, "s2", "S2", "A2")
	require.NoError(t, err, "other sessions are untouched")
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := New(repo)
	e := newEngine(t)

	_, err := submit(ctx, l, e, "s1", "S1", "A1")
	require.NoError(t, err)
	held, err := l.TryReserve(ctx, "s2", "S1", "A1")
	require.NoError(t, err)
	require.NoError(t, l.DropSession(ctx, "s3"))

	assert.Equal(t, 1, l.Forget("s1", "s2", "s3", "unknown"))
	l.mu.Lock()
	_, s1 := l.books["s1"]
	_, s2 := l.books["s2"]
	_, s3 := l.books["s3"]
	l.mu.Unlock()
	assert.False(t, s1, "idle book evicted")
	assert.True(t, s2, "book with a live reservation kept")
	assert.True(t, s3, "tombstone kept")

	// an evicted book reloads from the repository
	_, err = l.TryReserve(ctx, "s1", "S1", "A7")
	require.ErrorIs(t, err, ErrDuplicateStudent)
	next, err := l.NextSerial(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, next)
	l.Release(held)
}

func newSQLRepo(t *testing.T, sessionIDs ...string) (*store.DB, *SQLRepository) {
	t.Helper()
	db, err := store.NewDB(store.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	_, err = db.Client.Exec(`INSERT INTO teachers (id, email, name, lab_name, uploads_enabled, password_hash, created_at)
		VALUES ('t1', 't1@example.com', 'T', 'Lab', TRUE, 'x', ?)`, now)
	require.NoError(t, err)
	for _, id := range sessionIDs {
		_, err = db.Client.Exec(`INSERT INTO exam_sessions (id, passcode, teacher_id, lab_name, start_time, end_time, active, created_at)
			VALUES (?, ?, 't1', 'Lab', ?, ?, TRUE, ?)`, id, strings.ToUpper(id), now, now.Add(time.Hour), now)
		require.NoError(t, err)
	}
	return db, NewRepository(db.Client)
}

func TestRestartContinuesFromDurableRecords(t *testing.T) {
	ctx := context.Background()
	_, repo := newSQLRepo(t, "s1")
	e := newEngine(t)

	first := New(repo)
	_, err := submit(ctx, first, e, "s1", "S1", "A1")
	require.NoError(t, err)
	_, err = submit(ctx, first, e, "s1", "S2", "A2")
	require.NoError(t, err)

	restarted := New(repo)
	_, err = restarted.TryReserve(ctx, "s1", "S1", "A9")
	require.ErrorIs(t, err, ErrDuplicateStudent)

	rec, err := submit(ctx, restarted, e, "s1", "S3", "A3")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Serial)

	recs, err := restarted.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Student S2", recs[1].StudentName)
	assert.Equal(t, "A2", recs[1].SourceAddress)
}

func TestReusedSerialIsAnInvariantViolation(t *testing.T) {
	ctx := context.Background()
	_, repo := newSQLRepo(t, "s1")
	e := newEngine(t)
	l := New(repo)

	res, err := l.TryReserve(ctx, "s1", "S1", "A1")
	require.NoError(t, err)

	// another writer takes serial 1 behind the ledger's back
	require.NoError(t, repo.Insert(ctx, Record{
		SessionID: "s1", Serial: 1, StudentID: "X", SourceAddress: "B", OriginalFilename: "x",
		StoredPath: "/nowhere", Size: 1, Checksum: "00", SubmittedAt: time.Now().UTC(),
	}))

	st, err := e.Stage(ctx, "s1", "a.txt", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, res, Entry{LabName: "Lab"}, st)
	require.ErrorIs(t, err, ErrInvariant)

	_, statErr := os.Stat(filepath.Join(e.Root(), "Lab", "s1", storage.FileName(1, "S1", "a.txt")))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}
