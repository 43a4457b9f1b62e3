package state

import (
	"context"
	"sort"
	"strings"
	"sync"

	"codeberg.org/mutker/healthwatch/internal/errors"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, name string) (Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return Record{}, nil
	}

	return r.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, name string, fn UpdateFunc) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.New().Wrap(ErrLockTimeout, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.records[name].Clone()
	if cur == nil {
		cur = Record{}
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return errors.New().Wrap(ErrUpdateFailed, err)
	}

	switch {
	case len(next) == 0:
		if _, ok := s.records[name]; ok {
			delete(s.records, name)
			s.writes++
		}
	case !next.Equal(cur):
		s.records[name] = next.Clone()
		s.writes++
	}

	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, name string, old, next Record) (bool, error) {
	return compareAndSwap(ctx, s, name, old, next)
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	return s.Update(ctx, name, func(Record) (Record, error) {
		return nil, nil
	})
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name := range s.records {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

// Writes counts mutations, letting tests assert that nothing was persisted.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes
}
