package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PostgresStore is a PostgreSQL implementation of Store. The schema is
// owned by the migrations in internal/db.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgQuerier
	tx   pgx.Tx
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

const pgJobColumns = `
	id, file_name, user_email, period, COALESCE(storage_ref, ''), state,
	submitted_at, processing_started_at, processing_ended_at, notified_at,
	total_rows, processed_rows, accepted_rows, rejected_rows,
	COALESCE(error_message, ''), COALESCE(email_status, ''), COALESCE(email_error, '')`

func scanPgJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	var state, emailStatus string
	err := row.Scan(
		&j.ID, &j.FileName, &j.User, &j.Period, &j.StorageRef, &state,
		&j.SubmittedAt, &j.ProcessingStartedAt, &j.ProcessingEndedAt, &j.NotifiedAt,
		&j.TotalRows, &j.ProcessedRows, &j.AcceptedRows, &j.RejectedRows,
		&j.ErrorMessage, &emailStatus, &j.EmailError,
	)
	if err != nil {
		return nil, err
	}
	j.State = State(state)
	j.EmailStatus = EmailStatus(emailStatus)
	return j, nil
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO jobs (file_name, user_email, period, storage_ref, state, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, j.FileName, j.User, j.Period, nullableString(j.StorageRef), string(j.State), j.SubmittedAt.UTC()).Scan(&j.ID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Job, error) {
	j, err := scanPgJob(s.q.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) Update(ctx context.Context, j *Job, from State) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs SET
			storage_ref = $1, state = $2,
			processing_started_at = $3, processing_ended_at = $4, notified_at = $5,
			total_rows = $6, processed_rows = $7, accepted_rows = $8, rejected_rows = $9,
			error_message = $10, email_status = $11, email_error = $12
		WHERE id = $13 AND state = $14
	`,
		nullableString(j.StorageRef), string(j.State),
		j.ProcessingStartedAt, j.ProcessingEndedAt, j.NotifiedAt,
		j.TotalRows, j.ProcessedRows, j.AcceptedRows, j.RejectedRows,
		nullableString(j.ErrorMessage), nullableString(string(j.EmailStatus)), nullableString(j.EmailError),
		j.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %d from %s: %w", j.ID, from, ErrStateConflict)
	}
	return nil
}

func (s *PostgresStore) ExistsByPeriodAndState(ctx context.Context, period string, states []State, excludeID int64) (bool, error) {
	return s.existsInPeriod(ctx, "id <> $2", period, states, excludeID)
}

func (s *PostgresStore) ExistsEarlierByPeriodAndState(ctx context.Context, period string, states []State, beforeID int64) (bool, error) {
	return s.existsInPeriod(ctx, "id < $2", period, states, beforeID)
}

func (s *PostgresStore) existsInPeriod(ctx context.Context, idCond, period string, states []State, id int64) (bool, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE period = $1 AND `+idCond+` AND state = ANY($3)
		)
	`, period, id, names).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check period %s: %w", period, err)
	}
	return exists, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, user string, limit, offset int) ([]*Job, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE user_email = $1`, user).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+pgJobColumns+`
		FROM jobs
		WHERE user_email = $1
		ORDER BY submitted_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, user, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *PostgresStore) ProductExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE code = $1)`, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("check product %s: %w", code, err)
	}
	return exists, nil
}

// InsertProducts lands the batch with COPY.
func (s *PostgresStore) InsertProducts(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	_, err := s.q.CopyFrom(ctx,
		pgx.Identifier{"products"},
		[]string{"job_id", "period", "code", "name", "price", "category", "stock", "supplier", "description", "created_at"},
		pgx.CopyFromSlice(len(products), func(i int) ([]any, error) {
			p := products[i]
			return []any{p.JobID, p.Period, p.Code, p.Name, toNumeric(p.Price), p.Category, p.Stock, p.Supplier, p.Description, p.CreatedAt.UTC()}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy products: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertFailures(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	_, err := s.q.CopyFrom(ctx,
		pgx.Identifier{"job_failures"},
		[]string{"job_id", "position", "reason", "raw", "created_at"},
		pgx.CopyFromSlice(len(failures), func(i int) ([]any, error) {
			f := failures[i]
			return []any{f.JobID, f.Position, f.Reason, string(f.Raw), f.CreatedAt.UTC()}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy failures: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFailures(ctx context.Context, jobID int64) ([]Failure, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, job_id, position, reason, raw::text, created_at
		FROM job_failures WHERE job_id = $1
		ORDER BY position, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list failures for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var raw string
		if err := rows.Scan(&f.ID, &f.JobID, &f.Position, &f.Reason, &raw, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Raw = []byte(raw)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(ctx); err != nil {
				slog.Error("rollback after panic", "error", err)
			}
			panic(p)
		}
	}()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LockPeriod takes a transaction-scoped advisory lock keyed by the period hash.
func (s *PostgresStore) LockPeriod(ctx context.Context, period string) error {
	if s.tx == nil {
		return errors.New("lock period: not in a transaction")
	}
	if _, err := s.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, periodLockKey(period)); err != nil {
		return fmt.Errorf("lock period %s: %w", period, err)
	}
	return nil
}

func periodLockKey(period string) int64 {
	return int64(xxhash.Sum64String("bulkload:period:" + period))
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func toNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: d.Decimal.Coefficient(), Exp: d.Decimal.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid || n.Int == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromBigInt(n.Int, n.Exp))
}

// listProducts is used by tests to inspect landed rows.
func (s *PostgresStore) listProducts(ctx context.Context, jobID int64) ([]Product, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, job_id, period, code, name, price, category, stock, supplier, description, created_at
		FROM products WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var price pgtype.Numeric
		var createdAt time.Time
		if err := rows.Scan(&p.ID, &p.JobID, &p.Period, &p.Code, &p.Name, &price,
			&p.Category, &p.Stock, &p.Supplier, &p.Description, &createdAt); err != nil {
			return nil, err
		}
		p.Price = fromNumeric(price)
		p.CreatedAt = createdAt
		out = append(out, p)
	}
	return out, rows.Err()
}
