package share

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/db"
)

// Store persists share records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	// Redeem counts one access and returns the record. An unexpired token
	// is required; expired tokens return GONE and unknown ones NOT_FOUND.
	Redeem(ctx context.Context, tokenHash string) (*Record, error)
}

type storePG struct{ pool db.Querier }

func NewStorePG(pool db.Querier) Store {
	return &storePG{pool: pool}
}

func (s *storePG) Create(ctx context.Context, rec *Record) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO report_share (id, token_hash, report_id, case_code, payload,
			payload_encrypted, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TokenHash, rec.ReportID, rec.CaseCode, rec.Payload,
		rec.PayloadEncrypted, rec.CreatedBy, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

func (s *storePG) Redeem(ctx context.Context, tokenHash string) (*Record, error) {
	conn := db.Conn(ctx, s.pool)
	var rec Record
	err := conn.QueryRow(ctx, `
		UPDATE report_share
		SET access_count = access_count + 1, last_accessed_at = NOW()
		WHERE token_hash = $1 AND expires_at > NOW()
		RETURNING id, token_hash, report_id, case_code, payload, payload_encrypted,
			created_by, created_at, expires_at, access_count, last_accessed_at`,
		tokenHash,
	).Scan(&rec.ID, &rec.TokenHash, &rec.ReportID, &rec.CaseCode, &rec.Payload, &rec.PayloadEncrypted,
		&rec.CreatedBy, &rec.CreatedAt, &rec.ExpiresAt, &rec.AccessCount, &rec.LastAccessedAt)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("redeem share: %w", err)
	}

	var exists bool
	if err := conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM report_share WHERE token_hash = $1)`, tokenHash,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("look up share: %w", err)
	}
	if exists {
		return nil, apperr.New(apperr.KindGone, "share link has expired")
	}
	return nil, apperr.NotFound("share")
}
