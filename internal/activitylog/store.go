// Package activitylog implements the append-only per-session event log: a
// JSONL file with an in-memory offset index for O(1) random access by
// activity id, grounded on the reference tree's JSONL-log idiom (its
// append-on-exclusive-writer, scan-and-reconstruct-on-load pattern).
package activitylog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/maruel/jules/internal/model"
)

const (
	logFileName       = "activities.jsonl"
	frozenFileName    = "activities.jsonl.zst"
	metadataFileName  = "metadata.json"
	latestScanChunk   = 4096
)

// metadata is the {activityCount} sidecar file. The count is bumped before
// each append and is not transactional with it. Nothing in this package reads
// the count back or reconciles it against the log's lines on reopen.
type metadata struct {
	ActivityCount int `json:"activityCount"`
}

// Store owns one session's activity log: the append cursor, the in-memory
// offset index, and (once frozen) the compressed archive.
type Store struct {
	dir string

	mu       sync.Mutex
	index    map[string]int64 // activity id -> byte offset in the plaintext log
	built    bool
	building chan struct{} // non-nil while a build is in flight; closed when done
	frozen   bool
}

// Open returns a Store rooted at dir (typically .jules/cache/{sessionId}).
// It does not touch disk until Init or another operation is called.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Init is idempotent: it ensures dir exists and the log file is present,
// positioning nothing (appends always target EOF).
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("activitylog: mkdir: %w", err)
	}
	if _, err := os.Stat(s.frozenPath()); err == nil {
		s.mu.Lock()
		s.frozen = true
		s.mu.Unlock()
		return nil
	}
	f, err := os.OpenFile(s.plainPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // local cache file
	if err != nil {
		return fmt.Errorf("activitylog: create: %w", err)
	}
	return f.Close()
}

func (s *Store) plainPath() string  { return filepath.Join(s.dir, logFileName) }
func (s *Store) frozenPath() string { return filepath.Join(s.dir, frozenFileName) }
func (s *Store) metaPath() string   { return filepath.Join(s.dir, metadataFileName) }

// Append encodes activity as one JSON line and appends it under an exclusive
// writer. The activityCount metadata is bumped first so a reader observing
// count=N can trust at least N records will eventually be readable.
func (s *Store) Append(a model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return fmt.Errorf("activitylog: cannot append to a frozen (compacted) log")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("activitylog: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := s.bumpCount(1); err != nil {
		slog.Warn("activitylog: metadata bump failed", "err", err)
	}

	f, err := os.OpenFile(s.plainPath(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644) //nolint:gosec // local cache file
	if err != nil {
		return fmt.Errorf("activitylog: open for append: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("activitylog: stat: %w", err)
	}
	offset := info.Size()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("activitylog: write: %w", err)
	}
	if s.index != nil {
		s.index[a.ID] = offset
	}
	return nil
}

func (s *Store) bumpCount(delta int) error {
	var m metadata
	data, err := os.ReadFile(s.metaPath()) //nolint:gosec // local cache file
	if err == nil {
		_ = json.Unmarshal(data, &m)
	}
	m.ActivityCount += delta
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomicWrite(s.metaPath(), out)
}

// Get returns the activity with the given id, building the offset index on
// demand. A second caller racing an in-flight build awaits it instead of
// re-scanning.
func (s *Store) Get(id string) (*model.Activity, error) {
	if err := s.ensureIndex(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	offset, ok := s.index[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	line, err := s.readLineAt(offset)
	if err != nil {
		return nil, err
	}
	a, err := model.DecodeActivity(line)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ensureIndex builds the offset index once, coalescing concurrent callers.
func (s *Store) ensureIndex() error {
	s.mu.Lock()
	if s.built {
		s.mu.Unlock()
		return nil
	}
	if s.building != nil {
		ch := s.building
		s.mu.Unlock()
		<-ch
		return nil
	}
	ch := make(chan struct{})
	s.building = ch
	s.mu.Unlock()

	idx, err := s.scanIndex()

	s.mu.Lock()
	if err == nil {
		s.index = idx
		s.built = true
	}
	s.building = nil
	s.mu.Unlock()
	close(ch)
	return err
}

func (s *Store) scanIndex() (map[string]int64, error) {
	r, closeFn, err := s.openReader()
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	defer closeFn()

	idx := map[string]int64{}
	var offset int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 32<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		n := int64(len(line)) + 1 // + newline
		if len(line) == 0 {
			offset += n
			continue
		}
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil || probe.ID == "" {
			slog.Warn("activitylog: skipping corrupt line", "err", err)
			offset += n
			continue
		}
		idx[probe.ID] = offset
		offset += n
	}
	if err := scanner.Err(); err != nil {
		return idx, fmt.Errorf("activitylog: scan: %w", err)
	}
	return idx, nil
}

// readLineAt seeks to offset in the plaintext log and reads one line. Frozen
// (compressed) logs don't support random access; callers needing a single
// activity from a frozen log should use Scan instead.
func (s *Store) readLineAt(offset int64) ([]byte, error) {
	f, err := os.Open(s.plainPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return bytes.TrimRight(line, "\n"), nil
}

// Latest returns the activity on the last decodable line of the log. That is
// the one with the largest createTime only when activities were appended in
// createTime order; createTime is not compared. On the plaintext log it scans
// backward from EOF in bounded-size chunks (default 4 KiB) rather than
// reading the whole file; a frozen (zstd) log lacks cheap random access so
// it falls back to a full decompress-and-scan. Corrupt trailing bytes are
// skipped with a warning.
func (s *Store) Latest() (*model.Activity, error) {
	s.mu.Lock()
	frozen := s.frozen
	s.mu.Unlock()
	if frozen {
		acts, err := s.Scan()
		if err != nil || len(acts) == 0 {
			return nil, err
		}
		return &acts[len(acts)-1], nil
	}

	f, err := os.Open(s.plainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	var tail []byte
	for pos := size; pos > 0; {
		chunkSize := int64(latestScanChunk)
		if chunkSize > pos {
			chunkSize = pos
		}
		pos -= chunkSize
		buf := make([]byte, chunkSize)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, err
		}
		tail = append(buf, tail...)

		trimmed := bytes.TrimRight(tail, "\n")
		lines := bytes.Split(trimmed, []byte("\n"))
		// The first line of this window may be a partial line continuing
		// further back; only trust it once we've reached the file start.
		start := 0
		if pos > 0 {
			start = 1
		}
		for i := len(lines) - 1; i >= start; i-- {
			if len(lines[i]) == 0 {
				continue
			}
			a, err := model.DecodeActivity(lines[i])
			if err != nil {
				slog.Warn("activitylog: skipping corrupt tail line", "err", err)
				continue
			}
			return &a, nil
		}
	}
	return nil, nil
}

// Scan performs a full linear iteration in append order. Malformed lines are
// logged and skipped.
func (s *Store) Scan() ([]model.Activity, error) {
	r, closeFn, err := s.openReader()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closeFn()

	var out []model.Activity
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 32<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a, err := model.DecodeActivity(line)
		if err != nil {
			slog.Warn("activitylog: skipping malformed line", "err", err)
			continue
		}
		out = append(out, a)
	}
	return out, scanner.Err()
}

// openReader returns a reader over whichever form (plaintext or zstd-frozen)
// of the log currently exists, plus a close function.
func (s *Store) openReader() (io.Reader, func(), error) {
	s.mu.Lock()
	frozen := s.frozen
	s.mu.Unlock()
	path := s.plainPath()
	if frozen {
		path = s.frozenPath()
	}
	f, err := os.Open(path) //nolint:gosec // local cache file
	if err != nil {
		return nil, func() {}, err
	}
	if !frozen {
		return f, func() { _ = f.Close() }, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, func() {}, err
	}
	return zr, func() { zr.Close(); _ = f.Close() }, nil
}

// Close flushes and drops the in-memory index; a subsequent operation
// rebuilds it on demand.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = nil
	s.built = false
}

// Freeze compacts the plaintext log into a zstd archive and removes the
// plaintext file, reclaiming disk for sessions that no longer change.
// Subsequent Scan/Latest calls transparently use the compressed form. The
// Store never calls Freeze itself; compaction happens only when a caller
// invokes it.
func (s *Store) Freeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return nil
	}
	in, err := os.Open(s.plainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := s.frozenPath() + ".tmp"
	out, err := os.Create(tmp) //nolint:gosec // local cache file
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.frozenPath()); err != nil {
		return err
	}
	if err := os.Remove(s.plainPath()); err != nil && !os.IsNotExist(err) {
		slog.Warn("activitylog: failed to remove plaintext log after freeze", "err", err)
	}
	s.frozen = true
	s.index = nil
	s.built = false
	return nil
}

// atomicWrite writes data to path via a temp-file-then-rename, the same
// atomic-update idiom the Session Index Store uses for session.json.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // local cache file
		return err
	}
	return os.Rename(tmp, path)
}
