package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	instancesFile = "instances.json"
	adminsFile    = "admins.json"
	portsFile     = "ports.json"
)

// ErrNotFound is returned by lookups when no record matches.
var ErrNotFound = errors.New("not found")

// PersistenceError reports that a mutation was applied in memory but could
// not be flushed to disk. The in-memory state stays authoritative; the
// next successful save repairs the files.
type PersistenceError struct {
	File string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.File, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store owns the durable record set. One mutex serializes every reader
// and writer; operations on a fleet this size are short enough that the
// simplicity is worth far more than lock granularity.
type Store struct {
	mu    sync.Mutex
	dir   string
	log   *zap.Logger
	state State
}

// Open loads the record set from dir, tolerating missing files. A file
// that exists but cannot be parsed is logged and treated as empty rather
// than aborting startup. mainAdmin is pinned from configuration on every
// load and is never taken from disk.
func Open(dir, mainAdmin string, log *zap.Logger) (*Store, error) {
	s := &Store{
		dir: dir,
		log: log,
		state: State{
			Instances: make(map[string][]*Instance),
			Ports: PortTable{
				Slots:  make(map[string]int),
				Active: make(map[string][]Forward),
			},
		},
	}

	if err := s.loadFile(instancesFile, &s.state.Instances); err != nil {
		return nil, err
	}
	if err := s.loadFile(adminsFile, &s.state.Admins); err != nil {
		return nil, err
	}
	if err := s.loadFile(portsFile, &s.state.Ports); err != nil {
		return nil, err
	}

	s.state.Admins.MainAdmin = mainAdmin
	if s.state.Ports.Slots == nil {
		s.state.Ports.Slots = make(map[string]int)
	}
	if s.state.Ports.Active == nil {
		s.state.Ports.Active = make(map[string][]Forward)
	}
	return s, nil
}

func (s *Store) loadFile(name string, v any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("state file is corrupt, starting that collection empty",
			zap.String("file", name), zap.Error(err))
	}
	return nil
}

// View runs fn with read access to the state. fn must not retain
// references past its return.
func (s *Store) View(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// Mutate runs fn under the lock and, if fn succeeds, flushes every
// collection to disk. An error from fn aborts without saving. A save
// failure is reported as a PersistenceError but the in-memory mutation
// is kept.
func (s *Store) Mutate(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.state); err != nil {
		return err
	}
	return s.saveLocked()
}

// Save flushes all collections without mutating.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := s.saveFile(instancesFile, s.state.Instances); err != nil {
		return err
	}
	if err := s.saveFile(adminsFile, s.state.Admins); err != nil {
		return err
	}
	return s.saveFile(portsFile, s.state.Ports)
}

// saveFile writes to a temp file in the same directory, then renames it
// over the target so readers never observe a partial document.
func (s *Store) saveFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &PersistenceError{File: name, Err: err}
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return &PersistenceError{File: name, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistenceError{File: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{File: name, Err: err}
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return &PersistenceError{File: name, Err: err}
	}
	return nil
}
