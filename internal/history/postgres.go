package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipforge/mediaqueue/pkg/models"
)

// Postgres implements History on a pgx pool for durable auditing.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Postgres history backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens and pings a pgx pool for the history database.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (p *Postgres) Record(ctx context.Context, s models.JobSummary) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO job_history (id, operation_type, priority, status, created_at, completed_at,
		                          retry_count, execution_time_ms, result_ref, error, cache_hit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.OperationType, s.Priority.String(), string(s.Status), s.CreatedAt, s.CompletedAt,
		s.RetryCount, s.ExecutionTime.Milliseconds(), s.ResultRef, s.Error, s.CacheHit)
	if err != nil {
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (models.JobSummary, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, operation_type, priority, status, created_at, completed_at,
		        retry_count, execution_time_ms, result_ref, error, cache_hit
		 FROM job_history WHERE id = $1`, id)
	s, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobSummary{}, models.ErrNotFound
	}
	if err != nil {
		return models.JobSummary{}, fmt.Errorf("get job history: %w", err)
	}
	return s, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]models.JobSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, operation_type, priority, status, created_at, completed_at,
	                 retry_count, execution_time_ms, result_ref, error, cache_hit
	          FROM job_history`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(f.Status))
	}
	query += fmt.Sprintf(` ORDER BY completed_at DESC NULLS LAST LIMIT %d`, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var out []models.JobSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_history GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count job history: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (models.JobSummary, error) {
	var (
		s           models.JobSummary
		priority    string
		status      string
		completedAt *time.Time
		execMS      int64
	)
	err := row.Scan(&s.ID, &s.OperationType, &priority, &status, &s.CreatedAt, &completedAt,
		&s.RetryCount, &execMS, &s.ResultRef, &s.Error, &s.CacheHit)
	if err != nil {
		return models.JobSummary{}, err
	}
	s.Priority = models.ParsePriority(priority)
	s.Status = models.Status(status)
	s.CompletedAt = completedAt
	s.ExecutionTime = time.Duration(execMS) * time.Millisecond
	return s, nil
}
