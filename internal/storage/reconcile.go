package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Committed maps session id to the set of stored paths with a durable record.
type Committed map[string]map[string]bool

// Report lists what Reconcile found.
type Report struct {
	RemovedStaging []string
	RemovedOrphans []string
	Missing        []string
}

// Reconcile brings the file tree in line with committed records after a
// restart: staging leftovers are removed, published files without a record
// (a crash between rename and record insert) are removed, and records whose
// file is gone are reported. A session absent from committed has no records,
// so everything stored under it is an orphan.
func (e *Engine) Reconcile(ctx context.Context, committed Committed) (Report, error) {
	var rep Report

	staging := filepath.Join(e.root, stagingDir)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return rep, fmt.Errorf("read staging: %w", err)
	}
	for _, ent := range entries {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		p := filepath.Join(staging, ent.Name())
		if err := os.RemoveAll(p); err != nil {
			return rep, err
		}
		rep.RemovedStaging = append(rep.RemovedStaging, p)
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(e.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path == staging {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.root, path)
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil
		}
		if committed[parts[1]][path] {
			seen[path] = true
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		rep.RemovedOrphans = append(rep.RemovedOrphans, path)
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("walk storage: %w", err)
	}

	for _, paths := range committed {
		for p := range paths {
			if !seen[p] {
				rep.Missing = append(rep.Missing, p)
			}
		}
	}
	return rep, nil
}
