package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore persists projects in MySQL. Mutations run inside a transaction
// holding a SELECT ... FOR UPDATE row lock, which realizes the per-project-id
// critical section across processes.
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
	const schema = `CREATE TABLE IF NOT EXISTS escrow_projects (
        id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
        client_id VARCHAR(128) NOT NULL,
        freelancer_id VARCHAR(128) DEFAULT '',
        title VARCHAR(255) DEFAULT '',
        description TEXT,
        required_skills TEXT,
        milestones TEXT NOT NULL,
        total_budget BIGINT NOT NULL,
        status VARCHAR(32) NOT NULL,
        funding_tx VARCHAR(128) DEFAULT '',
        version BIGINT UNSIGNED NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        funded_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_project_status (status),
        INDEX idx_project_client (client_id),
        INDEX idx_project_freelancer (freelancer_id),
        INDEX idx_project_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init escrow_projects table failed")
	}
	return nil
}

const projectColumns = `id, client_id, freelancer_id, title, description, required_skills, milestones,
        total_budget, status, funding_tx, version, created_at, funded_at, completed_at, updated_at`

// Create inserts the project and assigns the auto-increment id.
func (s *MySQLStore) Create(ctx context.Context, p *Project) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "project must not be nil")
	}
	if err := p.CheckInvariants(); err != nil {
		return err
	}

	milestones, err := json.Marshal(p.Milestones)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode milestones failed")
	}
	skills, err := marshalSkills(p.RequiredSkills)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode required skills failed")
	}

	const stmt = `INSERT INTO escrow_projects
        (client_id, freelancer_id, title, description, required_skills, milestones,
        total_budget, status, funding_tx, version, created_at, funded_at, completed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		p.ClientID,
		p.FreelancerID,
		p.Title,
		p.Description,
		skills,
		string(milestones),
		p.TotalBudget,
		p.Status,
		p.FundingTx,
		p.CreatedAt,
		p.FundedAt,
		p.CompletedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProjectConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert project failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read inserted id failed")
	}
	p.ID = uint64(id)
	p.Version = 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p          Project
		skills     sql.NullString
		milestones string
	)
	if err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.FreelancerID,
		&p.Title,
		&p.Description,
		&skills,
		&milestones,
		&p.TotalBudget,
		&p.Status,
		&p.FundingTx,
		&p.Version,
		&p.CreatedAt,
		&p.FundedAt,
		&p.CompletedAt,
		&p.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan project failed")
	}
	if err := json.Unmarshal([]byte(milestones), &p.Milestones); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode milestones failed")
	}
	if skills.Valid && strings.TrimSpace(skills.String) != "" {
		if err := json.Unmarshal([]byte(skills.String), &p.RequiredSkills); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode required skills failed")
		}
	}
	return &p, nil
}

// Get loads one project by id.
func (s *MySQLStore) Get(ctx context.Context, id uint64) (*Project, error) {
	stmt := `SELECT ` + projectColumns + ` FROM escrow_projects WHERE id = ?`
	return scanProject(s.db.QueryRowContext(ctx, stmt, id))
}

// Mutate loads the row under FOR UPDATE, applies fn and writes the result
// back with a version bump. fn errors roll the transaction back untouched.
func (s *MySQLStore) Mutate(ctx context.Context, id uint64, fn MutateFunc) (*Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin transaction failed")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `SELECT ` + projectColumns + ` FROM escrow_projects WHERE id = ? FOR UPDATE`
	p, err := scanProject(tx.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	if err := p.CheckInvariants(); err != nil {
		return nil, err
	}

	milestones, err := json.Marshal(p.Milestones)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode milestones failed")
	}
	skills, err := marshalSkills(p.RequiredSkills)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode required skills failed")
	}

	const update = `UPDATE escrow_projects SET
        freelancer_id = ?, title = ?, description = ?, required_skills = ?, milestones = ?,
        status = ?, funding_tx = ?, version = version + 1, funded_at = ?, completed_at = ?, updated_at = ?
        WHERE id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, update,
		p.FreelancerID,
		p.Title,
		p.Description,
		skills,
		string(milestones),
		p.Status,
		p.FundingTx,
		p.FundedAt,
		p.CompletedAt,
		p.UpdatedAt,
		p.ID,
		p.Version,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update project failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// The row lock makes this unreachable unless another connection
		// bypassed Mutate; surface it as a conflict either way.
		return nil, ErrProjectConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit transaction failed")
	}
	p.Version++
	return p, nil
}

// List returns projects matching the filter options.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Project, error) {
	opts.applyDefaults()

	query := `SELECT ` + projectColumns + ` FROM escrow_projects`
	clause, filterArgs := buildProjectFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query projects failed")
	}
	defer rows.Close()

	projects := make([]*Project, 0, opts.Limit)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate projects failed")
	}
	return projects, nil
}

// Stats aggregates counts in Go rather than SQL: milestone balances live
// inside the JSON column and have no column to SUM over.
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ProjectStats, error) {
	opts.applyDefaults()

	query := `SELECT ` + projectColumns + ` FROM escrow_projects`
	clause, filterArgs := buildProjectFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	rows, err := s.db.QueryContext(ctx, query, filterArgs...)
	if err != nil {
		return ProjectStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query project stats failed")
	}
	defer rows.Close()

	stats := ProjectStats{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return ProjectStats{}, err
		}
		stats.observe(p)
	}
	if err := rows.Err(); err != nil {
		return ProjectStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate project stats failed")
	}
	return stats, nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalSkills(skills []string) (sql.NullString, error) {
	if len(skills) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(skills)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildProjectFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, opts.ClientID)
	}
	if opts.FreelancerID != "" {
		conditions = append(conditions, "freelancer_id = ?")
		args = append(args, opts.FreelancerID)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
