package claims

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/newvantageco/ILS2.0-sub011/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const claimCols = `id, tenant_id, claim_number, state, remote_ref,
	subject_id, provider_number, category_code, service_date, amount_cents, currency, evidence_refs,
	flagged_for_review, sent_payload, sent_format, rejection_reason, paid_amount_cents,
	version_id, created_at, updated_at, deleted_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.TenantID, &c.ClaimNumber, &c.State, &c.RemoteRef,
		&c.SubjectID, &c.ProviderNumber, &c.CategoryCode, &c.ServiceDate, &c.AmountCents, &c.Currency, &c.EvidenceRefs,
		&c.FlaggedForReview, &c.SentPayload, &c.SentFormat, &c.RejectionReason, &c.PaidAmountCents,
		&c.VersionID, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	c.ID = uuid.New()
	c.VersionID = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim (id, tenant_id, claim_number, state, remote_ref,
			subject_id, provider_number, category_code, service_date, amount_cents, currency, evidence_refs,
			flagged_for_review, sent_payload, sent_format, rejection_reason, paid_amount_cents, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.TenantID, c.ClaimNumber, c.State, c.RemoteRef,
		c.SubjectID, c.ProviderNumber, c.CategoryCode, c.ServiceDate, c.AmountCents, c.Currency, c.EvidenceRefs,
		c.FlaggedForReview, c.SentPayload, c.SentFormat, c.RejectionReason, c.PaidAmountCents, c.VersionID)
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *claimRepoPG) GetByClaimNumber(ctx context.Context, claimNumber string) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim WHERE claim_number = $1 AND deleted_at IS NULL`, claimNumber))
}

func (r *claimRepoPG) GetByRemoteRef(ctx context.Context, remoteRef string) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claim WHERE remote_ref = $1 AND deleted_at IS NULL`, remoteRef))
}

// Update writes every mutable column guarded by the claim's version_id.
// The version check is what keeps concurrent submitters and webhook
// processing from clobbering each other.
func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET state=$2, remote_ref=$3, flagged_for_review=$4,
			sent_payload=$5, sent_format=$6, rejection_reason=$7, paid_amount_cents=$8,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $9 AND deleted_at IS NULL`,
		c.ID, c.State, c.RemoteRef, c.FlaggedForReview,
		c.SentPayload, c.SentFormat, c.RejectionReason, c.PaidAmountCents,
		c.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.VersionID++
	return nil
}

func (r *claimRepoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE claim SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) List(ctx context.Context, f ClaimListFilter) ([]*Claim, int, error) {
	where := ` WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []interface{}{f.TenantID}
	if f.State != "" {
		where += ` AND state = $2`
		args = append(args, f.State)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claim`+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// NextClaimNumber bumps the per-tenant, per-day counter in claim_sequence.
// The upsert is atomic, so two concurrent creates get distinct numbers.
func (r *claimRepoPG) NextClaimNumber(ctx context.Context, tenantID string, date time.Time) (string, error) {
	day := date.Format("2006-01-02")
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_sequence (tenant_id, seq_date, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, seq_date) DO UPDATE SET seq = claim_sequence.seq + 1
		RETURNING seq`, tenantID, day).Scan(&seq)
	if err != nil {
		return "", err
	}
	return FormatClaimNumber(tenantID, date, seq), nil
}

// =========== Retry Queue Repository ===========

type retryRepoPG struct{ pool *pgxpool.Pool }

func NewRetryQueueRepoPG(pool *pgxpool.Pool) RetryQueueRepository { return &retryRepoPG{pool: pool} }

func (r *retryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const retryCols = `id, claim_id, tenant_id, status, attempt_count, last_error, next_attempt_at, created_at, updated_at`

func (r *retryRepoPG) scanEntry(row pgx.Row) (*RetryQueueEntry, error) {
	var e RetryQueueEntry
	err := row.Scan(&e.ID, &e.ClaimID, &e.TenantID, &e.Status, &e.AttemptCount,
		&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *retryRepoPG) Create(ctx context.Context, e *RetryQueueEntry) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO retry_queue (id, claim_id, tenant_id, status, attempt_count, last_error, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ClaimID, e.TenantID, e.Status, e.AttemptCount, e.LastError, e.NextAttemptAt)
	return err
}

func (r *retryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RetryQueueEntry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+retryCols+` FROM retry_queue WHERE id = $1`, id))
}

func (r *retryRepoPG) GetByClaimID(ctx context.Context, claimID uuid.UUID) (*RetryQueueEntry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+retryCols+` FROM retry_queue WHERE claim_id = $1`, claimID))
}

func (r *retryRepoPG) Update(ctx context.Context, e *RetryQueueEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE retry_queue SET status=$2, attempt_count=$3, last_error=$4, next_attempt_at=$5, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.AttemptCount, e.LastError, e.NextAttemptAt)
	return err
}

func (r *retryRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id)
	return err
}

func (r *retryRepoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*RetryQueueEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+retryCols+` FROM retry_queue
		 WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at ASC LIMIT $3`, RetryPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RetryQueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *retryRepoPG) List(ctx context.Context, status RetryStatus, limit, offset int) ([]*RetryQueueEntry, int, error) {
	where := ``
	args := []interface{}{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM retry_queue`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+retryCols+` FROM retry_queue`+where+
			` ORDER BY next_attempt_at ASC LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*RetryQueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// =========== Webhook Event Repository ===========

type webhookEventRepoPG struct{ pool *pgxpool.Pool }

func NewWebhookEventRepoPG(pool *pgxpool.Pool) WebhookEventRepository {
	return &webhookEventRepoPG{pool: pool}
}

func (r *webhookEventRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eventCols = `id, event_id, claim_number, event_type, raw_payload, signature_valid, processed, delivery_count, received_at`

func (r *webhookEventRepoPG) scanEvent(row pgx.Row) (*WebhookEvent, error) {
	var e WebhookEvent
	err := row.Scan(&e.ID, &e.EventID, &e.ClaimNumber, &e.EventType, &e.RawPayload,
		&e.SignatureValid, &e.Processed, &e.DeliveryCount, &e.ReceivedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *webhookEventRepoPG) Create(ctx context.Context, e *WebhookEvent) error {
	e.ID = uuid.New()
	if e.DeliveryCount == 0 {
		e.DeliveryCount = 1
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_event (id, event_id, claim_number, event_type, raw_payload, signature_valid, processed, delivery_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.EventID, e.ClaimNumber, e.EventType, e.RawPayload, e.SignatureValid, e.Processed, e.DeliveryCount)
	return err
}

func (r *webhookEventRepoPG) GetByEventID(ctx context.Context, eventID string) (*WebhookEvent, error) {
	return r.scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eventCols+` FROM webhook_event WHERE event_id = $1`, eventID))
}

func (r *webhookEventRepoPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE webhook_event SET processed = TRUE WHERE id = $1`, id)
	return err
}

func (r *webhookEventRepoPG) IncrementDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE webhook_event SET delivery_count = delivery_count + 1 WHERE id = $1`, id)
	return err
}

func (r *webhookEventRepoPG) ListByClaimNumber(ctx context.Context, claimNumber string, limit, offset int) ([]*WebhookEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE claim_number = $1`, claimNumber).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+eventCols+` FROM webhook_event WHERE claim_number = $1
		 ORDER BY received_at DESC LIMIT $2 OFFSET $3`, claimNumber, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		e, err := r.scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
