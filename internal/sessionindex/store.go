// Package sessionindex implements the Session Index Store: a per-session
// session.json (CachedSession, atomic write) plus a global append-only
// sessions.jsonl index deduplicated by id on read.
package sessionindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maruel/jules/internal/model"
)

const (
	sessionFileName = "session.json"
	indexFileName   = "sessions.jsonl"
)

// Store owns the cache root directory (typically .jules/cache).
type Store struct {
	root string

	// indexMu serializes appends to sessions.jsonl; upsertMany parallelizes
	// the per-session upsert but serializes this tail.
	indexMu sync.Mutex
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) sessionDir(id string) string { return filepath.Join(s.root, id) }
func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionDir(id), sessionFileName)
}
func (s *Store) indexPath() string { return filepath.Join(s.root, indexFileName) }

// SessionDir exposes the per-session cache directory so sibling components
// (the Activity Log Store, by way of the Session Engine) can colocate their
// own files with session.json without duplicating the path convention.
func (s *Store) SessionDir(id string) string { return s.sessionDir(id) }

// Upsert writes session.json atomically then appends a new SessionIndexEntry.
func (s *Store) Upsert(cs model.CachedSession) error {
	if err := os.MkdirAll(s.sessionDir(cs.Resource.ID), 0o755); err != nil {
		return fmt.Errorf("sessionindex: mkdir: %w", err)
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("sessionindex: marshal: %w", err)
	}
	if err := atomicWrite(s.sessionPath(cs.Resource.ID), data); err != nil {
		return fmt.Errorf("sessionindex: write session.json: %w", err)
	}
	entry := model.SessionIndexEntry{
		ID:         cs.Resource.ID,
		Title:      cs.Resource.Title,
		State:      cs.Resource.State,
		CreateTime: cs.Resource.CreateTime,
		UpdatedAt:  cs.LastSyncedAt,
	}
	if cs.Resource.SourceContext != nil {
		entry.Source = cs.Resource.SourceContext.Source
	}
	return s.appendIndex(entry)
}

// UpsertMany parallelizes the per-session Upsert work (bounded by
// errgroup.SetLimit) while serializing the index-file appends, matching the
// store's single-writer-per-append contract.
func (s *Store) UpsertMany(sessions []model.CachedSession) error {
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, cs := range sessions {
		cs := cs
		g.Go(func() error { return s.Upsert(cs) })
	}
	return g.Wait()
}

func (s *Store) appendIndex(entry model.SessionIndexEntry) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f, err := os.OpenFile(s.indexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // local cache file
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}

// Get reads session.json for id. Returns nil, nil if absent.
func (s *Store) Get(id string) (*model.CachedSession, error) {
	data, err := os.ReadFile(s.sessionPath(id)) //nolint:gosec // local cache file
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cs model.CachedSession
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("sessionindex: corrupt session.json for %s: %w", id, err)
	}
	return &cs, nil
}

// Delete removes the session directory. The global index is not rewritten;
// a later Get for this id will simply return nil, nil.
func (s *Store) Delete(id string) error {
	return os.RemoveAll(s.sessionDir(id))
}

// ScanIndex reads sessions.jsonl and returns entries deduplicated by id,
// last write wins, in the order each id first appears in the log.
func (s *Store) ScanIndex() ([]model.SessionIndexEntry, error) {
	f, err := os.Open(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	byID := map[string]model.SessionIndexEntry{}
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.SessionIndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if _, seen := byID[e.ID]; !seen {
			order = append(order, e.ID)
		}
		byID[e.ID] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := make([]model.SessionIndexEntry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // local cache file
		return err
	}
	return os.Rename(tmp, path)
}
