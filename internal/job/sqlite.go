package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
// The pool is capped at one connection, so writers are serialised in-process;
// file databases also begin transactions IMMEDIATE to serialise across processes.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.HasPrefix(dbPath, ":memory:") && !strings.Contains(dbPath, "?") {
		dsn = dbPath + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name             TEXT NOT NULL,
			user_email            TEXT NOT NULL,
			period                TEXT NOT NULL,
			storage_ref           TEXT,
			state                 TEXT NOT NULL,
			submitted_at          DATETIME NOT NULL,
			processing_started_at DATETIME,
			processing_ended_at   DATETIME,
			notified_at           DATETIME,
			total_rows            INTEGER NOT NULL DEFAULT 0,
			processed_rows        INTEGER NOT NULL DEFAULT 0,
			accepted_rows         INTEGER NOT NULL DEFAULT 0,
			rejected_rows         INTEGER NOT NULL DEFAULT 0,
			error_message         TEXT,
			email_status          TEXT,
			email_error           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_period_state ON jobs(period, state);
		CREATE INDEX IF NOT EXISTS idx_jobs_user         ON jobs(user_email, submitted_at);

		CREATE TABLE IF NOT EXISTS products (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      INTEGER NOT NULL REFERENCES jobs(id),
			period      TEXT NOT NULL,
			code        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			price       TEXT,
			category    TEXT NOT NULL,
			stock       INTEGER,
			supplier    TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_products_job ON products(job_id);

		CREATE TABLE IF NOT EXISTS job_failures (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     INTEGER NOT NULL REFERENCES jobs(id),
			position   INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			raw        TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_failures_job ON job_failures(job_id, position);
	`)
	return err
}

const sqliteJobColumns = `
	id, file_name, user_email, period, COALESCE(storage_ref, ''), state,
	submitted_at, processing_started_at, processing_ended_at, notified_at,
	total_rows, processed_rows, accepted_rows, rejected_rows,
	COALESCE(error_message, ''), COALESCE(email_status, ''), COALESCE(email_error, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var startedAt, endedAt, notifiedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.FileName, &j.User, &j.Period, &j.StorageRef, &j.State,
		&j.SubmittedAt, &startedAt, &endedAt, &notifiedAt,
		&j.TotalRows, &j.ProcessedRows, &j.AcceptedRows, &j.RejectedRows,
		&j.ErrorMessage, &j.EmailStatus, &j.EmailError,
	)
	if err != nil {
		return nil, err
	}
	j.ProcessingStartedAt = timePtr(startedAt)
	j.ProcessingEndedAt = timePtr(endedAt)
	j.NotifiedAt = timePtr(notifiedAt)
	return j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// nullableTime maps a nil pointer to SQL NULL.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs
			(file_name, user_email, period, storage_ref, state, submitted_at)
		VALUES
			(?, ?, ?, ?, ?, ?)
	`,
		j.FileName,
		j.User,
		j.Period,
		nullableString(j.StorageRef),
		j.State,
		j.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create job: last insert id: %w", err)
	}
	j.ID = id
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Update(ctx context.Context, j *Job, from State) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE jobs SET
			storage_ref = ?, state = ?,
			processing_started_at = ?, processing_ended_at = ?, notified_at = ?,
			total_rows = ?, processed_rows = ?, accepted_rows = ?, rejected_rows = ?,
			error_message = ?, email_status = ?, email_error = ?
		WHERE id = ? AND state = ?
	`,
		nullableString(j.StorageRef), j.State,
		nullableTime(j.ProcessingStartedAt), nullableTime(j.ProcessingEndedAt), nullableTime(j.NotifiedAt),
		j.TotalRows, j.ProcessedRows, j.AcceptedRows, j.RejectedRows,
		nullableString(j.ErrorMessage), nullableString(string(j.EmailStatus)), nullableString(j.EmailError),
		j.ID, from,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d: rows affected: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update job %d from %s: %w", j.ID, from, ErrStateConflict)
	}
	return nil
}

func (s *SQLiteStore) ExistsByPeriodAndState(ctx context.Context, period string, states []State, excludeID int64) (bool, error) {
	return s.existsInPeriod(ctx, "id <> ?", period, states, excludeID)
}

func (s *SQLiteStore) ExistsEarlierByPeriodAndState(ctx context.Context, period string, states []State, beforeID int64) (bool, error) {
	return s.existsInPeriod(ctx, "id < ?", period, states, beforeID)
}

func (s *SQLiteStore) existsInPeriod(ctx context.Context, idCond, period string, states []State, id int64) (bool, error) {
	if len(states) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := append([]any{period, id}, stateArgs(states)...)

	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs WHERE period = ? AND `+idCond+` AND state IN (`+placeholders+`)
		)
	`, args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check period %s: %w", period, err)
	}
	return exists, nil
}

// ListByUser returns the user's jobs ordered by submitted_at DESC with pagination, and the total count.
func (s *SQLiteStore) ListByUser(ctx context.Context, user string, limit, offset int) ([]*Job, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE user_email = ?`, user).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE user_email = ?
		ORDER BY submitted_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, user, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
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

func (s *SQLiteStore) ProductExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE code = ?)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check product %s: %w", code, err)
	}
	return exists, nil
}

func (s *SQLiteStore) InsertProducts(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteStore).q
		for _, p := range products {
			_, err := q.ExecContext(ctx, `
				INSERT INTO products
					(job_id, period, code, name, price, category, stock, supplier, description, created_at)
				VALUES
					(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.JobID, p.Period, p.Code, p.Name, p.Price, p.Category, p.Stock, p.Supplier, p.Description, p.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("insert product %s: %w", p.Code, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) InsertFailures(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx Store) error {
		q := tx.(*SQLiteStore).q
		for _, f := range failures {
			_, err := q.ExecContext(ctx, `
				INSERT INTO job_failures (job_id, position, reason, raw, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, f.JobID, f.Position, f.Reason, string(f.Raw), f.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("insert failure at position %d: %w", f.Position, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListFailures(ctx context.Context, jobID int64) ([]Failure, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, job_id, position, reason, raw, created_at
		FROM job_failures WHERE job_id = ?
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

// listProducts is used by tests to inspect landed rows.
func (s *SQLiteStore) listProducts(ctx context.Context, jobID int64) ([]Product, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, job_id, period, code, name, price, category, stock, supplier, description, created_at
		FROM products WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var price decimal.NullDecimal
		var stock sql.NullInt64
		if err := rows.Scan(&p.ID, &p.JobID, &p.Period, &p.Code, &p.Name, &price,
			&p.Category, &stock, &p.Supplier, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Price = price
		if stock.Valid {
			v := stock.Int64
			p.Stock = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil {
				slog.Error("rollback after panic", "error", err)
			}
			panic(p)
		}
	}()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LockPeriod is a no-op: the single connection and IMMEDIATE transactions
// already hold the write lock for the whole transaction.
func (s *SQLiteStore) LockPeriod(ctx context.Context, period string) error {
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
