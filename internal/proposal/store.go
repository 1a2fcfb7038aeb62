package proposal

import (
	"context"
	"iter"
	"sort"
	"sync"

	xerrors "ReputeFlow-Escrow/internal/errors"
)

// Store abstracts durable proposal persistence. A (job_id, freelancer_id)
// pair is unique: one bid per freelancer per job.
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	// Update persists the mutable flags of an existing proposal.
	Update(ctx context.Context, p *Proposal) error
	// ByJob returns the proposals for one job ordered by submission time.
	ByJob(ctx context.Context, jobID uint64) ([]*Proposal, error)
	Close() error
}

// MemoryStore keeps proposals in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Proposal
	byJob map[uint64][]string
}

// NewMemoryStore creates an empty in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Proposal),
		byJob: make(map[uint64][]string),
	}
}

// Create stores a deep copy, enforcing one bid per freelancer per job.
func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	if p == nil || p.ID == "" {
		return ErrProposalInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return ErrProposalConflict
	}
	for _, id := range s.byJob[p.JobID] {
		if existing := s.byID[id]; existing != nil && existing.FreelancerID == p.FreelancerID && !existing.Withdrawn {
			return ErrProposalConflict
		}
	}
	s.byID[p.ID] = p.Clone()
	s.byJob[p.JobID] = append(s.byJob[p.JobID], p.ID)
	return nil
}

// Get returns a copy of the proposal.
func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p.Clone(), nil
}

// Update replaces the stored proposal.
func (s *MemoryStore) Update(_ context.Context, p *Proposal) error {
	if p == nil || p.ID == "" {
		return ErrProposalInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return ErrProposalNotFound
	}
	s.byID[p.ID] = p.Clone()
	return nil
}

// ByJob returns copies of the job's proposals ordered by submission time.
func (s *MemoryStore) ByJob(_ context.Context, jobID uint64) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byJob[jobID]
	result := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		if p := s.byID[id]; p != nil {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubmittedAt == result[j].SubmittedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].SubmittedAt < result[j].SubmittedAt
	})
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

// iterate adapts a snapshot query into a lazy sequence. Each range over the
// returned sequence re-queries the store, so a restarted iteration observes
// fresh state.
func iterate(ctx context.Context, store Store, jobID uint64) iter.Seq2[*Proposal, error] {
	return func(yield func(*Proposal, error) bool) {
		proposals, err := store.ByJob(ctx, jobID)
		if err != nil {
			yield(nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list proposals failed"))
			return
		}
		for _, p := range proposals {
			if !yield(p, nil) {
				return
			}
		}
	}
}
