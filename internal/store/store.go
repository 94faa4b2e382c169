// Package store persists instructions as one JSON file per record,
// written atomically and verified with a content checksum on load.
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/foreman/internal/errors"
	"github.com/felixgeelhaar/foreman/internal/instruction"
)

const recordExt = ".json"

// envelope wraps a record on disk so the checksum travels with it.
type envelope struct {
	Checksum    string                   `json:"checksum"`
	Instruction *instruction.Instruction `json:"instruction"`
}

// Store is a directory-backed instruction store. All mutations go
// through a per-instruction lock so concurrent tool calls serialize.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	orderMu sync.Mutex
	order   []string
}

// New opens a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.NewStorageError("create data directory", err)
	}
	s := &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.loadOrder(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// loadOrder seeds the listing order from files already on disk,
// sorted by name so restarts are deterministic.
func (s *Store) loadOrder() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.NewStorageError("read data directory", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), recordExt))
	}
	sort.Strings(ids)
	s.order = ids
	return nil
}

// Lock acquires the mutex for one instruction id. The returned
// function releases it.
func (s *Store) Lock(id string) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Create persists a brand-new instruction. It fails if a record with
// the same id already exists.
func (s *Store) Create(in *instruction.Instruction) error {
	if _, err := os.Stat(s.path(in.ID)); err == nil {
		return errors.NewAlreadyExistsError(in.ID)
	} else if !os.IsNotExist(err) {
		return errors.NewStorageError("stat record", err)
	}
	if err := s.write(in); err != nil {
		return err
	}
	s.orderMu.Lock()
	s.order = append(s.order, in.ID)
	s.orderMu.Unlock()
	return nil
}

// Get loads one instruction by id and verifies its checksum.
func (s *Store) Get(id string) (*instruction.Instruction, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(id)
		}
		return nil, errors.NewStorageError("read record", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.NewStorageError("decode record", err)
	}
	if env.Instruction == nil {
		return nil, errors.NewStorageError("decode record", fmt.Errorf("record %s has no instruction body", id))
	}
	sum, err := checksum(env.Instruction)
	if err != nil {
		return nil, errors.NewStorageError("checksum record", err)
	}
	if env.Checksum != "" && env.Checksum != sum {
		return nil, errors.NewStorageError("verify record",
			fmt.Errorf("checksum mismatch for %s: stored %s, computed %s", id, env.Checksum, sum))
	}
	return env.Instruction, nil
}

// Save overwrites an existing instruction. The record must already
// exist; use Create for new ones.
func (s *Store) Save(in *instruction.Instruction) error {
	if _, err := os.Stat(s.path(in.ID)); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError(in.ID)
		}
		return errors.NewStorageError("stat record", err)
	}
	return s.write(in)
}

// write marshals the envelope to a temp file in the same directory
// and renames it over the target, so readers never see a torn record.
func (s *Store) write(in *instruction.Instruction) error {
	sum, err := checksum(in)
	if err != nil {
		return errors.NewStorageError("checksum record", err)
	}
	raw, err := json.MarshalIndent(envelope{Checksum: sum, Instruction: in}, "", "  ")
	if err != nil {
		return errors.NewStorageError("encode record", err)
	}

	tmp, err := os.CreateTemp(s.dir, in.ID+".*.tmp")
	if err != nil {
		return errors.NewStorageError("create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStorageError("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.NewStorageError("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.NewStorageError("close temp file", err)
	}
	if err := os.Rename(tmpName, s.path(in.ID)); err != nil {
		os.Remove(tmpName)
		return errors.NewStorageError("rename record", err)
	}
	return nil
}

// List returns summaries of every stored instruction in a stable
// order: records present at startup sorted by id, then creations in
// arrival order.
func (s *Store) List() ([]instruction.Summary, error) {
	s.orderMu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.orderMu.Unlock()

	summaries := make([]instruction.Summary, 0, len(ids))
	for _, id := range ids {
		in, err := s.Get(id)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, in.Summarize())
	}
	return summaries, nil
}

func checksum(in *instruction.Instruction) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
