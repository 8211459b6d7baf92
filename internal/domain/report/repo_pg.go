package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/db"
)

type repoPG struct{ pool db.Querier }

func NewRepoPG(pool db.Querier) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const reportCols = `id, study_id, COALESCE(accession_number, ''), patient_id,
	COALESCE(patient_name, ''), owner_id, COALESCE(ai_job_id, ''), status, version,
	technique, findings, impression, clinical_history, recommendations,
	structured_findings, measurements, key_images,
	COALESCE(template_id, ''), COALESCE(template_version, 0), content_hash,
	created_at, updated_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var sf, ms, ki []byte
	err := row.Scan(&rep.ID, &rep.StudyID, &rep.AccessionNumber, &rep.PatientID,
		&rep.PatientName, &rep.OwnerID, &rep.AIJobID, &rep.Status, &rep.Version,
		&rep.Technique, &rep.Findings, &rep.Impression, &rep.ClinicalHistory, &rep.Recommendations,
		&sf, &ms, &ki,
		&rep.TemplateID, &rep.TemplateVersion, &rep.ContentHash,
		&rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rep.StructuredFindings = nullToNil(sf)
	rep.Measurements = nullToNil(ms)
	if len(ki) > 0 {
		if err := json.Unmarshal(ki, &rep.KeyImages); err != nil {
			return nil, fmt.Errorf("decode key_images: %w", err)
		}
	}
	return &rep, nil
}

func (r *repoPG) Create(ctx context.Context, rep *Report, rev Revision) error {
	keyImages, err := json.Marshal(nonNilKeyImages(rep.KeyImages))
	if err != nil {
		return fmt.Errorf("encode key_images: %w", err)
	}
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO report (id, study_id, accession_number, patient_id, patient_name,
				owner_id, ai_job_id, status, version,
				technique, findings, impression, clinical_history, recommendations,
				structured_findings, measurements, key_images,
				template_id, template_version, content_hash, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			rep.ID, rep.StudyID, nilIfEmpty(rep.AccessionNumber), rep.PatientID, nilIfEmpty(rep.PatientName),
			rep.OwnerID, nilIfEmpty(rep.AIJobID), rep.Status, rep.Version,
			rep.Technique, rep.Findings, rep.Impression, rep.ClinicalHistory, rep.Recommendations,
			jsonParam(rep.StructuredFindings), jsonParam(rep.Measurements), keyImages,
			nilIfEmpty(rep.TemplateID), nilIfZero(rep.TemplateVersion), rep.ContentHash,
			rep.CreatedAt, rep.UpdatedAt,
		); err != nil {
			return err
		}
		return insertRevision(ctx, tx, rep.ID, rev)
	})
	if db.IsUniqueViolation(err) {
		return ErrOpenDraftExists
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	q := r.conn(ctx)
	rep, err := scanReport(q.QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("report")
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if err := loadChildren(ctx, q, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *repoPG) FindOpenDraft(ctx context.Context, ownerID, studyID string) (*Report, error) {
	q := r.conn(ctx)
	rep, err := scanReport(q.QueryRow(ctx,
		`SELECT `+reportCols+` FROM report WHERE owner_id = $1 AND study_id = $2 AND status = 'draft'`,
		ownerID, studyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("draft")
	}
	if err != nil {
		return nil, fmt.Errorf("find open draft: %w", err)
	}
	if err := loadChildren(ctx, q, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func loadChildren(ctx context.Context, q db.Querier, rep *Report) error {
	sig, err := loadSignature(ctx, q, rep.ID)
	if err != nil {
		return err
	}
	rep.Signature = sig

	if rep.Addenda, err = loadAddenda(ctx, q, rep.ID); err != nil {
		return err
	}
	if rep.CriticalCommunications, err = loadCommunications(ctx, q, rep.ID); err != nil {
		return err
	}
	if rep.Revisions, err = listRevisions(ctx, q, rep.ID); err != nil {
		return err
	}
	return nil
}

func loadSignature(ctx context.Context, q db.Querier, id uuid.UUID) (*Signature, error) {
	var s Signature
	err := q.QueryRow(ctx, `
		SELECT signer_id, COALESCE(signer_name, ''), signer_role, meaning, COALESCE(reason, ''),
			COALESCE(signature_text, ''), signature_image, content_hash,
			COALESCE(source_ip, ''), COALESCE(user_agent, ''), signed_at
		FROM report_signature WHERE report_id = $1`, id,
	).Scan(&s.SignerID, &s.SignerName, &s.SignerRole, &s.Meaning, &s.Reason,
		&s.SignatureText, &s.SignatureImage, &s.ContentHash,
		&s.SourceIP, &s.UserAgent, &s.SignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load signature: %w", err)
	}
	return &s, nil
}

func loadAddenda(ctx context.Context, q db.Querier, id uuid.UUID) ([]Addendum, error) {
	rows, err := q.Query(ctx, `
		SELECT id, seq, content, reason, signer_id, COALESCE(signer_name, ''), COALESCE(signer_role, ''),
			COALESCE(signature_text, ''), signature_image, COALESCE(source_ip, ''), COALESCE(user_agent, ''), signed_at
		FROM report_addendum WHERE report_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load addenda: %w", err)
	}
	defer rows.Close()
	items := []Addendum{}
	for rows.Next() {
		a := Addendum{Meaning: MeaningAddendum}
		if err := rows.Scan(&a.ID, &a.Seq, &a.Content, &a.Reason, &a.SignerID, &a.SignerName, &a.SignerRole,
			&a.SignatureText, &a.SignatureImage, &a.SourceIP, &a.UserAgent, &a.SignedAt); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func loadCommunications(ctx context.Context, q db.Querier, id uuid.UUID) ([]CriticalCommunication, error) {
	rows, err := q.Query(ctx, `
		SELECT id, recipient, method, COALESCE(notes, ''), communicated_by, communicated_at
		FROM report_critical_communication WHERE report_id = $1 ORDER BY communicated_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("load critical communications: %w", err)
	}
	defer rows.Close()
	items := []CriticalCommunication{}
	for rows.Next() {
		var cc CriticalCommunication
		if err := rows.Scan(&cc.ID, &cc.Recipient, &cc.Method, &cc.Notes, &cc.CommunicatedBy, &cc.CommunicatedAt); err != nil {
			return nil, err
		}
		items = append(items, cc)
	}
	return items, rows.Err()
}

func listRevisions(ctx context.Context, q db.Querier, id uuid.UUID) ([]Revision, error) {
	rows, err := q.Query(ctx, `
		SELECT id, version, editor_id, description, COALESCE(prior_status, ''), created_at
		FROM report_revision WHERE report_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()
	items := []Revision{}
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ID, &rev.Version, &rev.EditorID, &rev.Description, &rev.PriorStatus, &rev.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, rev)
	}
	return items, rows.Err()
}

func (r *repoPG) ListRevisions(ctx context.Context, id uuid.UUID) ([]Revision, error) {
	return listRevisions(ctx, r.conn(ctx), id)
}

// Commit runs the version-conditioned UPDATE and the ledger inserts in one
// transaction. Zero updated rows means someone else committed first.
func (r *repoPG) Commit(ctx context.Context, c Commit) error {
	rep := c.Report
	keyImages, err := json.Marshal(nonNilKeyImages(rep.KeyImages))
	if err != nil {
		return fmt.Errorf("encode key_images: %w", err)
	}

	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE report SET status = $3, version = $4,
				technique = $5, findings = $6, impression = $7, clinical_history = $8,
				recommendations = $9, structured_findings = $10, measurements = $11,
				key_images = $12, template_id = $13, template_version = $14,
				content_hash = $15, updated_at = $16
			WHERE id = $1 AND version = $2`,
			rep.ID, c.ExpectedVersion, rep.Status, rep.Version,
			rep.Technique, rep.Findings, rep.Impression, rep.ClinicalHistory,
			rep.Recommendations, jsonParam(rep.StructuredFindings), jsonParam(rep.Measurements),
			keyImages, nilIfEmpty(rep.TemplateID), nilIfZero(rep.TemplateVersion),
			rep.ContentHash, rep.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return conflictOrMissing(ctx, tx, rep.ID)
		}

		if err := insertRevision(ctx, tx, rep.ID, c.Revision); err != nil {
			return err
		}
		if s := c.Signature; s != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO report_signature (report_id, signer_id, signer_name, signer_role, meaning,
					reason, signature_text, signature_image, content_hash, source_ip, user_agent, signed_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				rep.ID, s.SignerID, nilIfEmpty(s.SignerName), s.SignerRole, s.Meaning,
				nilIfEmpty(s.Reason), nilIfEmpty(s.SignatureText), s.SignatureImage, s.ContentHash,
				nilIfEmpty(s.SourceIP), nilIfEmpty(s.UserAgent), s.SignedAt); err != nil {
				return fmt.Errorf("insert signature: %w", err)
			}
		}
		if a := c.Addendum; a != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO report_addendum (id, report_id, seq, content, reason, signer_id, signer_name,
					signer_role, signature_text, signature_image, source_ip, user_agent, signed_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
				a.ID, rep.ID, a.Seq, a.Content, a.Reason, a.SignerID, nilIfEmpty(a.SignerName),
				nilIfEmpty(a.SignerRole), nilIfEmpty(a.SignatureText), a.SignatureImage,
				nilIfEmpty(a.SourceIP), nilIfEmpty(a.UserAgent), a.SignedAt); err != nil {
				return fmt.Errorf("insert addendum: %w", err)
			}
		}
		if cc := c.Communication; cc != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO report_critical_communication (id, report_id, recipient, method, notes,
					communicated_by, communicated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				cc.ID, rep.ID, cc.Recipient, cc.Method, nilIfEmpty(cc.Notes),
				cc.CommunicatedBy, cc.CommunicatedAt); err != nil {
				return fmt.Errorf("insert critical communication: %w", err)
			}
		}
		if snap := c.Snapshot; snap != nil {
			payload, err := json.Marshal(snap.Report)
			if err != nil {
				return fmt.Errorf("encode signed snapshot: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO report_signed_snapshot (report_id, version, content_hash, snapshot, created_at)
				VALUES ($1,$2,$3,$4,$5)`,
				rep.ID, snap.Version, snap.ContentHash, payload, snap.CreatedAt); err != nil {
				return fmt.Errorf("insert signed snapshot: %w", err)
			}
		}
		return nil
	})
}

func insertRevision(ctx context.Context, tx pgx.Tx, reportID uuid.UUID, rev Revision) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO report_revision (id, report_id, version, editor_id, description, prior_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rev.ID, reportID, rev.Version, rev.EditorID, rev.Description, nilIfEmpty(rev.PriorStatus), rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// conflictOrMissing re-reads the stored version after a failed conditional
// write so the caller can report it.
func conflictOrMissing(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var current int
	err := tx.QueryRow(ctx, `SELECT version FROM report WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("report")
	}
	if err != nil {
		return fmt.Errorf("re-read report version: %w", err)
	}
	return apperr.VersionConflict(current)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID, expectedVersion int) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM report WHERE id = $1 AND version = $2 AND status = 'draft'`, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var current int
		var status string
		err = tx.QueryRow(ctx, `SELECT version, status FROM report WHERE id = $1`, id).Scan(&current, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("report")
		}
		if err != nil {
			return fmt.Errorf("re-read report version: %w", err)
		}
		if current != expectedVersion {
			return apperr.VersionConflict(current)
		}
		return CheckDeletable(status)
	})
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Report, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	add := func(col, val string) {
		if val == "" {
			return
		}
		where += fmt.Sprintf(` AND %s = $%d`, col, idx)
		args = append(args, val)
		idx++
	}
	add("status", f.Status)
	add("study_id", f.StudyID)
	add("owner_id", f.OwnerID)

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM report`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	query := `SELECT ` + reportCols + ` FROM report` + where +
		fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	items := []*Report{}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}

func (r *repoPG) GetSignedSnapshot(ctx context.Context, id uuid.UUID) (*SignedSnapshot, error) {
	var snap SignedSnapshot
	var payload []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT report_id, version, content_hash, snapshot, created_at
		FROM report_signed_snapshot WHERE report_id = $1`, id,
	).Scan(&snap.ReportID, &snap.Version, &snap.ContentHash, &payload, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("signed snapshot")
	}
	if err != nil {
		return nil, fmt.Errorf("get signed snapshot: %w", err)
	}
	snap.Report = &Report{}
	if err := json.Unmarshal(payload, snap.Report); err != nil {
		return nil, fmt.Errorf("decode signed snapshot: %w", err)
	}
	return &snap, nil
}

// templateRegistryPG reads report_template.
type templateRegistryPG struct{ pool db.Querier }

func NewTemplateRegistryPG(pool db.Querier) TemplateRegistry {
	return &templateRegistryPG{pool: pool}
}

func (t *templateRegistryPG) CurrentVersion(ctx context.Context, templateID string) (int, error) {
	var v int
	err := db.Conn(ctx, t.pool).QueryRow(ctx,
		`SELECT current_version FROM report_template WHERE id = $1`, templateID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("template " + templateID)
	}
	if err != nil {
		return 0, fmt.Errorf("template version: %w", err)
	}
	return v, nil
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func jsonParam(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

func nonNilKeyImages(k []KeyImage) []KeyImage {
	if k == nil {
		return []KeyImage{}
	}
	return k
}
