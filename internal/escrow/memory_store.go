package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
)

// MemoryStore keeps projects in process memory. It backs tests and the
// "memory" storage driver. Each project id owns a dedicated lock so
// transitions on one project serialize while other projects proceed in
// parallel.
type MemoryStore struct {
	mu          sync.RWMutex
	projects    map[uint64]*Project
	locks       map[uint64]chan struct{}
	nextID      uint64
	lockTimeout time.Duration
}

// MemoryStoreOption mutates the store during construction.
type MemoryStoreOption func(*MemoryStore)

// WithLockTimeout bounds how long Mutate waits for the per-id lock before
// giving up with a LOCK_TIMEOUT error.
func WithLockTimeout(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore creates an empty in-memory project store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		projects:    make(map[uint64]*Project),
		locks:       make(map[uint64]chan struct{}),
		lockTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create assigns the next monotonic id and stores a deep copy.
func (s *MemoryStore) Create(_ context.Context, p *Project) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "project must not be nil")
	}
	if err := p.CheckInvariants(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	p.Version = 1
	s.projects[p.ID] = p.Clone()
	return nil
}

// Get returns a deep copy of the project.
func (s *MemoryStore) Get(_ context.Context, id uint64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return p.Clone(), nil
}

// Mutate runs fn on a working copy under the id's exclusive lock and swaps
// the copy in only when fn and the invariant check both succeed.
func (s *MemoryStore) Mutate(ctx context.Context, id uint64, fn MutateFunc) (*Project, error) {
	lock, err := s.lockFor(id)
	if err != nil {
		return nil, err
	}
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeLockTimeout, ctx.Err(), "project lock wait cancelled")
	case <-time.After(s.lockTimeout):
		return nil, xerrors.New(xerrors.CodeLockTimeout, "timed out waiting for project lock")
	}
	defer func() { <-lock }()

	s.mu.RLock()
	stored, ok := s.projects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrProjectNotFound
	}

	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := working.CheckInvariants(); err != nil {
		return nil, err
	}
	working.Version = stored.Version + 1

	s.mu.Lock()
	s.projects[id] = working.Clone()
	s.mu.Unlock()
	return working, nil
}

func (s *MemoryStore) lockFor(id uint64) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return nil, ErrProjectNotFound
	}
	lock, ok := s.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[id] = lock
	}
	return lock, nil
}

// List returns deep copies of the matching projects, newest first by default.
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		if !matchesListFilters(p, opts) {
			continue
		}
		results = append(results, p.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats aggregates counts and balances over the matching projects.
func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opts.applyDefaults()

	stats := ProjectStats{}
	for _, p := range s.projects {
		if !matchesListFilters(p, opts) {
			continue
		}
		stats.observe(p)
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
