package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/gomine/pkg/errors"
)

// uniqueViolation is PostgreSQL's SQLSTATE for a duplicate key.
const uniqueViolation pq.ErrorCode = "23505"

// IsDuplicate reports whether err is a unique-key violation.
func IsDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// HeaderRepository handles header rows
type HeaderRepository struct {
	db *sql.DB
}

// NewHeaderRepository creates a new header repository
func NewHeaderRepository(db *sql.DB) *HeaderRepository {
	return &HeaderRepository{db: db}
}

// CreateHeader inserts a header. Storing the same hash twice for one
// source returns an error that IsDuplicate accepts.
func (r *HeaderRepository) CreateHeader(ctx context.Context, rec *HeaderRecord) error {
	query := `
		INSERT INTO headers (hash, source, height, version, prev_block, merkle_root, time, bits,
		                     nonce, difficulty, raw, valid, failed_step, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		rec.Hash, rec.Source, rec.Height, rec.Version, rec.PrevBlock, rec.MerkleRoot, rec.Time,
		rec.Bits, int64(rec.Nonce), rec.Difficulty, rec.Raw, rec.Valid, rec.FailedStep, now,
	).Scan(&rec.ID)

	if err != nil {
		if IsDuplicate(err) {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "create_header", "header already stored").
				WithContext("hash", rec.Hash).
				WithContext("source", rec.Source)
		}
		return fmt.Errorf("failed to create header: %w", err)
	}

	rec.CreatedAt = now
	return nil
}

const headerColumns = `id, hash, source, height, version, prev_block, merkle_root, time, bits,
		       nonce, difficulty, raw, valid, failed_step, created_at`

// GetHeaderByHash returns every stored copy of a header, newest first
func (r *HeaderRepository) GetHeaderByHash(ctx context.Context, hash string) ([]*HeaderRecord, error) {
	query := `SELECT ` + headerColumns + ` FROM headers WHERE hash = $1 ORDER BY created_at DESC`
	return r.query(ctx, query, hash)
}

// GetHeadersByHeight returns the headers stored at a height, newest first
func (r *HeaderRepository) GetHeadersByHeight(ctx context.Context, height int64) ([]*HeaderRecord, error) {
	query := `SELECT ` + headerColumns + ` FROM headers WHERE height = $1 ORDER BY created_at DESC`
	return r.query(ctx, query, height)
}

func (r *HeaderRepository) query(ctx context.Context, query string, args ...any) ([]*HeaderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query headers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*HeaderRecord
	for rows.Next() {
		rec := &HeaderRecord{}
		var nonce int64
		if err := rows.Scan(
			&rec.ID, &rec.Hash, &rec.Source, &rec.Height, &rec.Version, &rec.PrevBlock,
			&rec.MerkleRoot, &rec.Time, &rec.Bits, &nonce, &rec.Difficulty, &rec.Raw,
			&rec.Valid, &rec.FailedStep, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan header: %w", err)
		}
		rec.Nonce = uint32(nonce)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating headers: %w", err)
	}

	return records, nil
}

// SearchRunRepository handles search_runs rows
type SearchRunRepository struct {
	db *sql.DB
}

// NewSearchRunRepository creates a new search run repository
func NewSearchRunRepository(db *sql.DB) *SearchRunRepository {
	return &SearchRunRepository{db: db}
}

// CreateSearchRun records a finished run
func (r *SearchRunRepository) CreateSearchRun(ctx context.Context, run *SearchRun) error {
	query := `
		INSERT INTO search_runs (source, header_hash, start_nonce, end_nonce, tried, early_exits,
		                         found, elapsed_ms, stopped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		run.Source, run.HeaderHash, int64(run.Start), int64(run.End), int64(run.Tried),
		int64(run.EarlyExits), int64(run.Found), run.ElapsedMs, run.Stopped, now,
	).Scan(&run.ID)

	if err != nil {
		return fmt.Errorf("failed to create search run: %w", err)
	}

	run.CreatedAt = now
	return nil
}

// GetRecentSearchRuns retrieves the latest runs for a header
func (r *SearchRunRepository) GetRecentSearchRuns(ctx context.Context, headerHash string, limit int) ([]*SearchRun, error) {
	query := `
		SELECT id, source, header_hash, start_nonce, end_nonce, tried, early_exits, found,
		       elapsed_ms, stopped, created_at
		FROM search_runs
		WHERE header_hash = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, headerHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query search runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*SearchRun
	for rows.Next() {
		run := &SearchRun{}
		var start, end, tried, earlyExits, found int64
		if err := rows.Scan(
			&run.ID, &run.Source, &run.HeaderHash, &start, &end, &tried, &earlyExits, &found,
			&run.ElapsedMs, &run.Stopped, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search run: %w", err)
		}
		run.Start, run.End = uint32(start), uint32(end)
		run.Tried, run.EarlyExits, run.Found = uint64(tried), uint64(earlyExits), uint64(found)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search runs: %w", err)
	}

	return runs, nil
}
