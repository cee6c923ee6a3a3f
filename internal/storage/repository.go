package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	checkColumns = `id,
        COALESCE(run_id, ''),
        checked_at,
        series_id,
        current_rate::text,
        current_observed_on,
        previous_rate::text,
        previous_observed_on,
        change_bp::text,
        threshold_bp::text,
        meets_threshold,
        notified,
        stage,
        outcome,
        error_kind,
        error,
        created_at`

	insertCheckSQL = `INSERT INTO rate_checks (
        checked_at,
        series_id,
        current_rate,
        current_observed_on,
        previous_rate,
        previous_observed_on,
        change_bp,
        threshold_bp,
        meets_threshold,
        notified,
        stage,
        outcome,
        error_kind,
        error,
        run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    RETURNING id, created_at;`

	listChecksBetweenSQL = `SELECT ` + checkColumns + `
    FROM rate_checks
    WHERE checked_at >= $1
      AND checked_at < $2
    ORDER BY checked_at;`

	listRecentChecksSQL = `SELECT ` + checkColumns + `
    FROM rate_checks
    ORDER BY checked_at DESC
    LIMIT $1;`

	countChecksSQL = `SELECT COUNT(*) FROM rate_checks;`

	deleteChecksBeforeSQL = `DELETE FROM rate_checks WHERE checked_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CheckStore defines operations for check history persistence.
type CheckStore interface {
	InsertCheck(ctx context.Context, rec CheckRecord) (CheckRecord, error)
	ListChecksBetween(ctx context.Context, from, to time.Time) ([]CheckRecord, error)
	ListRecentChecks(ctx context.Context, limit int) ([]CheckRecord, error)
	CountChecks(ctx context.Context) (int64, error)
	DeleteChecksBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the check history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertCheck persists one check run and returns it with ID and CreatedAt populated.
func (s *Store) InsertCheck(ctx context.Context, rec CheckRecord) (CheckRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return CheckRecord{}, err
	}

	row := pool.QueryRow(ctx, insertCheckSQL,
		rec.CheckedAt,
		rec.SeriesID,
		decimalArg(rec.CurrentRate),
		dateArg(rec.CurrentDate),
		decimalArg(rec.PreviousRate),
		dateArg(rec.PreviousDate),
		decimalArg(rec.ChangeBP),
		rec.ThresholdBP.String(),
		rec.MeetsThreshold,
		rec.Notified,
		rec.Stage,
		rec.Outcome,
		rec.ErrorKind,
		rec.Error,
		rec.RunID,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return CheckRecord{}, fmt.Errorf("insert check: %w", scanErr)
	}
	return rec, nil
}

// ListChecksBetween lists checks within a time window, oldest first.
func (s *Store) ListChecksBetween(ctx context.Context, from, to time.Time) ([]CheckRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listChecksBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list checks between: %w", queryErr)
	}
	defer rows.Close()

	return collectChecks(rows, 0)
}

// ListRecentChecks lists the most recent checks, newest first.
func (s *Store) ListRecentChecks(ctx context.Context, limit int) ([]CheckRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentChecksSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent checks: %w", queryErr)
	}
	defer rows.Close()

	return collectChecks(rows, limit)
}

// CountChecks counts stored checks.
func (s *Store) CountChecks(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countChecksSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count checks: %w", scanErr)
	}
	return count, nil
}

// DeleteChecksBefore prunes history older than the cutoff and reports how many rows went.
func (s *Store) DeleteChecksBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteChecksBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete checks before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectChecks(rows pgx.Rows, capacity int) ([]CheckRecord, error) {
	checks := make([]CheckRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanCheck(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		checks = append(checks, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return checks, nil
}

func scanCheck(rows pgx.Rows) (CheckRecord, error) {
	var (
		rec          CheckRecord
		currentStr   *string
		previousStr  *string
		changeStr    *string
		thresholdStr string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.CheckedAt,
		&rec.SeriesID,
		&currentStr,
		&rec.CurrentDate,
		&previousStr,
		&rec.PreviousDate,
		&changeStr,
		&thresholdStr,
		&rec.MeetsThreshold,
		&rec.Notified,
		&rec.Stage,
		&rec.Outcome,
		&rec.ErrorKind,
		&rec.Error,
		&rec.CreatedAt,
	); err != nil {
		return CheckRecord{}, err
	}

	var err error
	if rec.CurrentRate, err = parseNullableDecimal(currentStr); err != nil {
		return CheckRecord{}, fmt.Errorf("parse current rate: %w", err)
	}
	if rec.PreviousRate, err = parseNullableDecimal(previousStr); err != nil {
		return CheckRecord{}, fmt.Errorf("parse previous rate: %w", err)
	}
	if rec.ChangeBP, err = parseNullableDecimal(changeStr); err != nil {
		return CheckRecord{}, fmt.Errorf("parse change bp: %w", err)
	}
	if rec.ThresholdBP, err = decimal.NewFromString(thresholdStr); err != nil {
		return CheckRecord{}, fmt.Errorf("parse threshold bp: %w", err)
	}

	return rec, nil
}

func parseNullableDecimal(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
