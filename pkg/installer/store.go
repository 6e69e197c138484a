// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is persisted proof that a unit of work was verified complete.
type Record struct {
	CompletedAt time.Time         `json:"completed_at"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// progressFile is the on-disk layout. Records is authoritative; the
// grouped flags are derived from it on every write so the file stays easy
// to read by hand.
type progressFile struct {
	Version      int               `json:"version"`
	VenvCreated  bool              `json:"venv_created"`
	Requirements bool              `json:"requirements"`
	Verified     bool              `json:"verified"`
	Packages     map[string]bool   `json:"packages"`
	Repos        map[string]bool   `json:"repos"`
	Artifacts    map[string]bool   `json:"artifacts"`
	Steps        map[string]bool   `json:"steps"`
	Records      map[string]Record `json:"records"`
}

const progressVersion = 1

// Store is the checkpoint file. Every mutation rewrites the whole file
// atomically before returning, so a crash loses at most the unit of work
// in flight. Safe for concurrent use.
type Store struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records map[string]Record

	// Quarantined names the file an unreadable checkpoint was moved to,
	// if OpenStore had to start over.
	Quarantined string
}

// OpenStore loads the checkpoint at path. A missing file yields an empty
// store. A file that is not valid JSON is moved aside and the store starts
// empty.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now, records: map[string]Record{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}

	var pf progressFile
	if err := json.Unmarshal(data, &pf); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("progress file %s is corrupt (%v) and could not be moved: %w", path, err, rerr)
		}
		s.Quarantined = aside
		return s, nil
	}
	if pf.Records != nil {
		s.records = pf.Records
	} else {
		s.records = legacyRecords(pf)
	}
	return s, nil
}

// legacyRecords lifts the grouped flags of files written without records.
func legacyRecords(pf progressFile) map[string]Record {
	out := map[string]Record{}
	mark := func(key string, ok bool) {
		if ok {
			out[key] = Record{Meta: map[string]string{"source": "legacy"}}
		}
	}
	mark(KeyVenv, pf.VenvCreated)
	mark(KeyRequirements, pf.Requirements)
	mark(KeyVerified, pf.Verified)
	for name, ok := range pf.Packages {
		mark(PackageKey(name), ok)
	}
	for name, ok := range pf.Repos {
		mark(RepoKey(name), ok)
	}
	for name, ok := range pf.Artifacts {
		mark(ArtifactKey(name), ok)
	}
	for name, ok := range pf.Steps {
		mark(name, ok)
	}
	return out
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// IsComplete reports whether key has been recorded.
func (s *Store) IsComplete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

// Record returns the record for key.
func (s *Store) Record(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

// Keys returns the recorded keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all records.
func (s *Store) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// MarkComplete records key and persists the store before returning.
func (s *Store) MarkComplete(key string, meta map[string]string) error {
	if key == "" {
		return errors.New("empty progress key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.records[key]
	s.records[key] = Record{CompletedAt: s.now().UTC(), Meta: meta}
	if err := s.flushLocked(); err != nil {
		if had {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

// Invalidate drops a stale record whose side effect has disappeared.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[key]
	if !ok {
		return nil
	}
	delete(s.records, key)
	if err := s.flushLocked(); err != nil {
		s.records[key] = prev
		return err
	}
	return nil
}

// Reset clears every record. Files on disk are left alone.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.records
	s.records = map[string]Record{}
	if err := s.flushLocked(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

func (s *Store) flushLocked() error {
	pf := progressFile{
		Version:   progressVersion,
		Packages:  map[string]bool{},
		Repos:     map[string]bool{},
		Artifacts: map[string]bool{},
		Steps:     map[string]bool{},
		Records:   s.records,
	}
	for key := range s.records {
		switch {
		case key == KeyVenv:
			pf.VenvCreated = true
		case key == KeyRequirements:
			pf.Requirements = true
		case key == KeyVerified:
			pf.Verified = true
		case strings.HasPrefix(key, packagePrefix):
			pf.Packages[strings.TrimPrefix(key, packagePrefix)] = true
		case strings.HasPrefix(key, repoPrefix):
			pf.Repos[strings.TrimPrefix(key, repoPrefix)] = true
		case strings.HasPrefix(key, artifactPrefix):
			pf.Artifacts[strings.TrimPrefix(key, artifactPrefix)] = true
		default:
			pf.Steps[key] = true
		}
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomicDurable(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	return nil
}

// writeFileAtomicDurable replaces path so readers see either the old or
// the new content, and the new content survives a power loss once the
// call returns.
func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil && runtime.GOOS != "windows" {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
