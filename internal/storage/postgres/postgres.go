package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metroai/defect-hub/internal/storage"
)

// PostgresStorage — Postgres реализация storage.ReportStore
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New открывает пул соединений и проверяет доступность базы
func New(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStorage{pool: pool}, nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

const reportColumns = `id, category, station, description, latitude, longitude, photo_url, status, ai_result, is_synthetic, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*storage.Report, error) {
	var (
		r         storage.Report
		status    string
		resultRaw []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Category,
		&r.Station,
		&r.Description,
		&r.Latitude,
		&r.Longitude,
		&r.PhotoKey,
		&status,
		&resultRaw,
		&r.IsSynthetic,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	r.Status = storage.ReportStatus(status)
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &r.AIResult); err != nil {
			return nil, fmt.Errorf("decode ai_result for report %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func encodeResult(res storage.AnalysisResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func statusStrings(statuses []storage.ReportStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
