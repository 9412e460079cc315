package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

var ErrEntryNotFound = errors.New("config entry not found")

// Store persists config entries.
type Store interface {
	Entries() []Entry
	Get(id string) (Entry, error)
	FindByUniqueID(uniqueID string) (Entry, bool)
	Add(entry Entry) error
	Update(entry Entry) error
	Remove(id string) error
}

type fileData struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FileStore keeps entries in a JSON file.
type FileStore struct {
	mu       sync.Mutex
	entries  []Entry
	filePath string
}

// OpenFileStore loads entries from path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading entry store: %w", err)
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parsing entry store: %w", err)
	}
	s.entries = fd.Entries

	return s, nil
}

func (s *FileStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *FileStore) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

func (s *FileStore) FindByUniqueID(uniqueID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UniqueID == uniqueID {
			return e, true
		}
	}
	return Entry{}, false
}

func (s *FileStore) Add(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entry.ID || e.UniqueID == entry.UniqueID {
			return fmt.Errorf("entry %s already exists", entry.UniqueID)
		}
	}
	return s.commitLocked(append(slices.Clone(s.entries), entry))
}

func (s *FileStore) Update(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == entry.ID })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	next := slices.Clone(s.entries)
	next[i] = entry
	return s.commitLocked(next)
}

func (s *FileStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return s.commitLocked(slices.Delete(slices.Clone(s.entries), i, i+1))
}

// commitLocked writes entries and only then makes them the store's view, so
// a failed write leaves memory matching disk. Caller must hold s.mu.
func (s *FileStore) commitLocked(entries []Entry) error {
	if err := s.save(entries); err != nil {
		return fmt.Errorf("saving entry store: %w", err)
	}
	s.entries = entries
	return nil
}

// save writes the file atomically.
func (s *FileStore) save(entries []Entry) error {
	data, err := json.MarshalIndent(fileData{Version: 1, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Entries hold passwords.
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}
