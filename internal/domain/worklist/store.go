package worklist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/db"
)

// Store persists worklist items.
type Store interface {
	// Upsert writes item unless the stored row is newer. applied is false
	// when the write was skipped.
	Upsert(ctx context.Context, item Item) (applied bool, err error)
	Get(ctx context.Context, studyID string) (*Item, error)
	List(ctx context.Context, status string, limit, offset int) ([]*Item, int, error)
}

type storePG struct{ pool db.Querier }

func NewStorePG(pool db.Querier) Store {
	return &storePG{pool: pool}
}

// Upsert orders writes for the same report by version, and writes that
// change the attached report (a new draft, a deletion) by event time.
func (s *storePG) Upsert(ctx context.Context, item Item) (bool, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO worklist_item (study_id, status, report_id, report_status, report_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (study_id) DO UPDATE SET
			status = EXCLUDED.status,
			report_id = EXCLUDED.report_id,
			report_status = EXCLUDED.report_status,
			report_version = EXCLUDED.report_version,
			updated_at = EXCLUDED.updated_at
		WHERE (worklist_item.report_id = EXCLUDED.report_id
				AND worklist_item.report_version <= EXCLUDED.report_version)
			OR (worklist_item.report_id IS DISTINCT FROM EXCLUDED.report_id
				AND worklist_item.updated_at <= EXCLUDED.updated_at)`,
		item.StudyID, item.Status, item.ReportID, nilIfEmpty(item.ReportStatus), item.ReportVersion, item.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert worklist item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const itemCols = `study_id, status, report_id, COALESCE(report_status, ''), report_version, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	if err := row.Scan(&it.StudyID, &it.Status, &it.ReportID, &it.ReportStatus, &it.ReportVersion, &it.UpdatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *storePG) Get(ctx context.Context, studyID string) (*Item, error) {
	it, err := scanItem(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+itemCols+` FROM worklist_item WHERE study_id = $1`, studyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("worklist item")
	}
	if err != nil {
		return nil, fmt.Errorf("get worklist item: %w", err)
	}
	return it, nil
}

func (s *storePG) List(ctx context.Context, status string, limit, offset int) ([]*Item, int, error) {
	conn := db.Conn(ctx, s.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM worklist_item WHERE $1 = '' OR status = $1`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count worklist: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+itemCols+` FROM worklist_item
		WHERE $1 = '' OR status = $1
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list worklist: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan worklist item: %w", err)
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
