package proposal

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore persists proposals in MySQL. The unique key on
// (job_id, freelancer_id) enforces one live bid per freelancer per job.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the connection pool and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN must not be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL failed")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL failed")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS job_proposals (
        id VARCHAR(64) PRIMARY KEY,
        job_id BIGINT UNSIGNED NOT NULL,
        freelancer_id VARCHAR(128) NOT NULL,
        cover_letter TEXT,
        proposed_rate BIGINT NOT NULL DEFAULT 0,
        estimated_hours INT NOT NULL DEFAULT 0,
        accepted TINYINT(1) NOT NULL DEFAULT 0,
        rejected TINYINT(1) NOT NULL DEFAULT 0,
        withdrawn TINYINT(1) NOT NULL DEFAULT 0,
        submitted_at BIGINT NOT NULL,
        UNIQUE KEY uq_job_freelancer (job_id, freelancer_id),
        INDEX idx_proposal_job (job_id, submitted_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init job_proposals table failed")
	}
	return nil
}

// Create inserts a new proposal.
func (s *MySQLStore) Create(ctx context.Context, p *Proposal) error {
	if p == nil || p.ID == "" {
		return ErrProposalInvalid
	}

	const stmt = `INSERT INTO job_proposals
        (id, job_id, freelancer_id, cover_letter, proposed_rate, estimated_hours, accepted, rejected, withdrawn, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		p.ID,
		p.JobID,
		p.FreelancerID,
		p.CoverLetter,
		p.ProposedRate,
		p.EstimatedHours,
		p.Accepted,
		p.Rejected,
		p.Withdrawn,
		p.SubmittedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProposalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert proposal failed")
	}
	return nil
}

const proposalColumns = `id, job_id, freelancer_id, cover_letter, proposed_rate, estimated_hours, accepted, rejected, withdrawn, submitted_at`

func scanProposal(row interface{ Scan(...any) error }) (*Proposal, error) {
	var p Proposal
	if err := row.Scan(
		&p.ID,
		&p.JobID,
		&p.FreelancerID,
		&p.CoverLetter,
		&p.ProposedRate,
		&p.EstimatedHours,
		&p.Accepted,
		&p.Rejected,
		&p.Withdrawn,
		&p.SubmittedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan proposal failed")
	}
	return &p, nil
}

// Get loads one proposal by id.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Proposal, error) {
	stmt := `SELECT ` + proposalColumns + ` FROM job_proposals WHERE id = ?`
	return scanProposal(s.db.QueryRowContext(ctx, stmt, id))
}

// Update persists the mutable flags of an existing proposal.
func (s *MySQLStore) Update(ctx context.Context, p *Proposal) error {
	if p == nil || p.ID == "" {
		return ErrProposalInvalid
	}

	const stmt = `UPDATE job_proposals SET accepted = ?, rejected = ?, withdrawn = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, p.Accepted, p.Rejected, p.Withdrawn, p.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update proposal failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, p.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ByJob returns the proposals for one job ordered by submission time.
func (s *MySQLStore) ByJob(ctx context.Context, jobID uint64) ([]*Proposal, error) {
	stmt := `SELECT ` + proposalColumns + ` FROM job_proposals WHERE job_id = ? ORDER BY submitted_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, jobID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query proposals failed")
	}
	defer rows.Close()

	proposals := make([]*Proposal, 0, 8)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate proposals failed")
	}
	return proposals, nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
