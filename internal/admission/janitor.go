package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"examgate/internal/ledger"
	"examgate/internal/logsvc"
	"examgate/internal/metrics"
	"examgate/internal/session"
	"examgate/internal/storage"
)

// Janitor owns the lifecycle work around admission: whole-session teardown,
// startup reconciliation and the periodic sweep of expired reservations and
// stale sessions.
type Janitor struct {
	registry *session.Registry
	ledger   *ledger.Ledger
	storage  *storage.Engine
	metrics  *metrics.Admission
	log      *logsvc.Logger
}

// NewJanitor creates a janitor. m may be nil.
func NewJanitor(r *session.Registry, l *ledger.Ledger, st *storage.Engine, m *metrics.Admission, lg *logsvc.Logger) *Janitor {
	return &Janitor{registry: r, ledger: l, storage: st, metrics: m, log: lg}
}

// DeleteSession removes a session with its records and files. The session
// stops admitting first, then records go before files so an interrupted
// teardown leaves only files that Recover cleans up.
func (j *Janitor) DeleteSession(ctx context.Context, sessionID string) error {
	s, err := j.registry.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	// unindexed sessions are past retention and admit nothing already
	if _, err := j.registry.Deactivate(ctx, s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("deactivate: %w", err)
	}
	if err := j.ledger.DropSession(ctx, s.ID); err != nil {
		return err
	}
	if err := j.storage.RemoveSession(s.LabName, s.ID); err != nil {
		return fmt.Errorf("remove files: %w", err)
	}
	return j.registry.Delete(ctx, s.ID)
}

// Recover reconciles the file tree with the durable records. Records whose
// file is missing break the persistence invariant and are reported critically.
func (j *Janitor) Recover(ctx context.Context) (storage.Report, error) {
	recs, err := j.ledger.All(ctx)
	if err != nil {
		return storage.Report{}, fmt.Errorf("list records: %w", err)
	}
	committed := make(storage.Committed)
	for _, rec := range recs {
		if committed[rec.SessionID] == nil {
			committed[rec.SessionID] = make(map[string]bool)
		}
		committed[rec.SessionID][rec.StoredPath] = true
	}

	rep, err := j.storage.Reconcile(ctx, committed)
	if err != nil {
		return rep, err
	}
	for _, p := range rep.RemovedOrphans {
		j.log.Printf("removed unrecorded file %s", p)
	}
	for _, p := range rep.Missing {
		j.log.Critical("recorded submission has no file", storage.ErrMissing, map[string]interface{}{"path": p})
	}
	return rep, nil
}

// Sweep releases expired reservations and unindexes long-terminal sessions.
func (j *Janitor) Sweep(now time.Time) {
	gone := j.ledger.Sweep(now)
	for _, res := range gone {
		j.log.Printf("reservation for %s/%s in session %s expired", res.StudentID, res.SourceAddress, res.SessionID)
	}
	j.metrics.Reclaim(len(gone))
	if dropped := j.registry.Sweep(now); len(dropped) > 0 {
		n := j.ledger.Forget(dropped...)
		j.log.Printf("unindexed %d sessions, evicted %d ledger books", len(dropped), n)
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			j.Sweep(now)
		}
	}
}
