package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/metroai/defect-hub/internal/storage"
)

// CreateReports вставляет все отчёты одной транзакцией (всё или ничего)
func (p *PostgresStorage) CreateReports(ctx context.Context, reports []*storage.Report, stageJobs bool) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO defect_reports (category, station, description, latitude, longitude, photo_url, status, ai_result, is_synthetic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	for _, r := range reports {
		if r.Status == "" {
			r.Status = storage.StatusPending
		}
		resultRaw, err := encodeResult(r.AIResult)
		if err != nil {
			return fmt.Errorf("encode ai_result: %w", err)
		}

		err = tx.QueryRow(ctx, insert,
			r.Category,
			r.Station,
			r.Description,
			r.Latitude,
			r.Longitude,
			r.PhotoKey,
			string(r.Status),
			resultRaw,
			r.IsSynthetic,
		).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert report: %w", err)
		}

		if stageJobs {
			if _, err := tx.Exec(ctx, `INSERT INTO report_outbox (report_id) VALUES ($1)`, r.ID); err != nil {
				return fmt.Errorf("failed to stage job: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetReport возвращает отчёт по ID
func (p *PostgresStorage) GetReport(ctx context.Context, id int64) (*storage.Report, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM defect_reports WHERE id = $1`, id)
	return scanReport(row)
}

// ListReports возвращает отчёты по фильтру в порядке ID
func (p *PostgresStorage) ListReports(ctx context.Context, filter storage.ReportFilter) ([]storage.Report, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.IsSynthetic != nil {
		add("is_synthetic = $%d", *filter.IsSynthetic)
	}
	if filter.AfterID > 0 {
		add("id > $%d", filter.AfterID)
	}

	query := `SELECT ` + reportColumns + ` FROM defect_reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []storage.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// TransitionStatus — условный UPDATE: статус меняется только если текущий входит в from
func (p *PostgresStorage) TransitionStatus(ctx context.Context, id int64, from []storage.ReportStatus, to storage.ReportStatus, result storage.AnalysisResult) (*storage.Report, bool, error) {
	if to != storage.StatusCompleted {
		result = nil
	}
	resultRaw, err := encodeResult(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode ai_result: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE defect_reports
		SET status = $3, ai_result = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+reportColumns,
		id, statusStrings(from), string(to), resultRaw,
	)
	updated, err := scanReport(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to update status: %w", err)
	}

	// guard did not match, or the report does not exist
	current, err := p.GetReport(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// Resubmit создаёт новый PENDING отчёт по копии FAILED и ставит задачу в outbox
func (p *PostgresStorage) Resubmit(ctx context.Context, id int64) (*storage.Report, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO defect_reports (category, station, description, latitude, longitude, photo_url, status, ai_result, is_synthetic, created_at, updated_at)
		SELECT category, station, description, latitude, longitude, photo_url, 'pending', NULL, is_synthetic, NOW(), NOW()
		FROM defect_reports
		WHERE id = $1 AND status = 'failed'
		RETURNING `+reportColumns, id)
	report, err := scanReport(row)
	if errors.Is(err, storage.ErrNotFound) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM defect_reports WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO report_outbox (report_id) VALUES ($1)`, report.ID); err != nil {
		return nil, fmt.Errorf("failed to stage job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

// PendingJobs returns staged jobs oldest first
func (p *PostgresStorage) PendingJobs(ctx context.Context, limit int) ([]storage.OutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, report_id, created_at
		FROM report_outbox
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.OutboxJob, error) {
		var j storage.OutboxJob
		err := row.Scan(&j.ID, &j.ReportID, &j.CreatedAt)
		return j, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	return jobs, nil
}

func (p *PostgresStorage) DeleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM report_outbox WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete outbox jobs: %w", err)
	}
	return nil
}
