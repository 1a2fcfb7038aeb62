package escrow

import (
	"context"
	"strings"
)

// MutateFunc runs inside the store's per-project critical section. Returning
// an error discards every change made to the project.
type MutateFunc func(p *Project) error

// Store abstracts durable project persistence. Implementations must provide
// per-project-id mutual exclusion for Mutate: no two mutations of the same id
// may interleave, while different ids proceed fully in parallel. Read-only
// queries take no lock.
type Store interface {
	// Create assigns the next monotonic id and persists the project.
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id uint64) (*Project, error)
	// Mutate loads the project, runs fn under the id's exclusive lock and
	// persists the result atomically. The returned project is a copy of the
	// persisted state.
	Mutate(ctx context.Context, id uint64, fn MutateFunc) (*Project, error)
	List(ctx context.Context, opts ListOptions) ([]*Project, error)
	Stats(ctx context.Context, opts ListOptions) (ProjectStats, error)
	Close() error
}

// SortOrder defines how results are ordered when listing projects.
type SortOrder int

const (
	// SortByUpdatedDesc orders projects by UpdatedAt descending.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders projects by UpdatedAt ascending.
	SortByUpdatedAsc
)

// ListOptions controls how projects are selected when querying the store.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	ClientID     string
	FreelancerID string
	Order        SortOrder
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.ClientID = strings.TrimSpace(opts.ClientID)
	opts.FreelancerID = strings.TrimSpace(opts.FreelancerID)
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(p *Project, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if p.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.ClientID != "" && p.ClientID != opts.ClientID {
		return false
	}
	if opts.FreelancerID != "" && p.FreelancerID != opts.FreelancerID {
		return false
	}
	return true
}

// ProjectStats aggregates project counts by status for dashboards and
// health checks.
type ProjectStats struct {
	Total     int   `json:"total"`
	Created   int   `json:"created"`
	Active    int   `json:"active"`
	Disputed  int   `json:"disputed"`
	Completed int   `json:"completed"`
	Cancelled int   `json:"cancelled"`
	Escrowed  int64 `json:"escrowed"`
	Released  int64 `json:"released"`
}

func (s *ProjectStats) observe(p *Project) {
	s.Total++
	switch p.Status {
	case StatusCreated:
		s.Created++
	case StatusFunded, StatusActive:
		s.Active++
	case StatusDisputed:
		s.Disputed++
	case StatusCompleted:
		s.Completed++
	case StatusCancelled:
		s.Cancelled++
	}
	if p.FundedAt != 0 && !p.Status.terminal() {
		s.Escrowed += p.TotalBudget
	}
	for i := range p.Milestones {
		if p.Milestones[i].Released {
			s.Released += p.Milestones[i].Amount
			if p.FundedAt != 0 && !p.Status.terminal() {
				s.Escrowed -= p.Milestones[i].Amount
			}
		}
	}
}
