package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"campaigner/internal/domain"
	"campaigner/internal/store"
	"campaigner/internal/tenant"
)

// Store runs every tenant-scoped query on a connection checked out through
// tenant.Scope, so row-level security filters each call to the tenant bound
// to the caller's context.
type Store struct {
	Scope *tenant.Scope
}

func New(scope *tenant.Scope) *Store { return &Store{Scope: scope} }

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return domain.Campaign{}, false, err
	}
	defer release()

	var c domain.Campaign
	row := conn.QueryRow(ctx, `
		SELECT id, tenant_id, gateway_instance_id, COALESCE(template_id,''), name, message_body,
		       status, total_recipients, sent_count, failed_count,
		       started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id=$1
	`, campaignID)
	err = row.Scan(&c.ID, &c.TenantID, &c.GatewayInstanceID, &c.TemplateID, &c.Name, &c.MessageBody,
		&c.Status, &c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

// ResolveRecipients returns the union of the campaign's explicit contacts and
// its groups' members; UNION deduplicates by contact id.
func (s *Store) ResolveRecipients(ctx context.Context, campaignID string) ([]store.RecipientSeed, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.Query(ctx, `
		SELECT c.id, c.phone, c.attrs
		FROM contacts c
		JOIN campaign_contacts cc ON cc.contact_id = c.id AND cc.campaign_id = $1
		UNION
		SELECT c.id, c.phone, c.attrs
		FROM contacts c
		JOIN group_members gm ON gm.contact_id = c.id
		JOIN campaign_groups cg ON cg.group_id = gm.group_id AND cg.campaign_id = $1
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seeds []store.RecipientSeed
	for rows.Next() {
		var seed store.RecipientSeed
		var attrs []byte
		if err := rows.Scan(&seed.ContactID, &seed.Destination, &attrs); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &seed.Attrs); err != nil {
				slog.Warn("contact attrs unreadable, placeholders will not render",
					"contact_id", seed.ContactID, "err", err)
			}
		}
		seeds = append(seeds, seed)
	}
	return seeds, rows.Err()
}

// ActivateCampaign flips draft -> running, stamps started_at, sets
// total_recipients, and bulk-inserts the pending recipient rows, all in one
// transaction. Returns false when the campaign was not in draft, which makes
// a second start (or a start racing a cancel) a no-op here and an error in
// the service.
func (s *Store) ActivateCampaign(ctx context.Context, in store.ActivateCampaign) (bool, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET status=$2, total_recipients=$3, started_at=$4, updated_at=$4
		WHERE id=$1 AND status=$5
	`, in.CampaignID, domain.CampaignRunning, len(in.Recipients), in.Now, domain.CampaignDraft)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, r := range in.Recipients {
		batch.Queue(`
			INSERT INTO campaign_recipients
				(id, tenant_id, campaign_id, contact_id, destination, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
			ON CONFLICT (campaign_id, contact_id) DO NOTHING
		`, r.ID, in.TenantID, in.CampaignID, r.ContactID, r.Destination, domain.RecipientPending, in.Now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// allowedFrom lists the statuses a recipient may move to `to` from. Receipts
// may collapse sent -> delivered -> read into one forward hop when the
// delivered callback is lost.
func allowedFrom(to domain.RecipientStatus) []domain.RecipientStatus {
	switch to {
	case domain.RecipientSent:
		return []domain.RecipientStatus{domain.RecipientPending}
	case domain.RecipientFailed:
		return []domain.RecipientStatus{domain.RecipientPending, domain.RecipientSent}
	case domain.RecipientDelivered:
		return []domain.RecipientStatus{domain.RecipientSent}
	case domain.RecipientRead:
		return []domain.RecipientStatus{domain.RecipientDelivered, domain.RecipientSent}
	}
	return nil
}

func stampColumn(to domain.RecipientStatus) string {
	switch to {
	case domain.RecipientSent:
		return "sent_at"
	case domain.RecipientDelivered:
		return "delivered_at"
	case domain.RecipientRead:
		return "read_at"
	case domain.RecipientFailed:
		return "failed_at"
	}
	return ""
}

// RecordRecipientOutcome applies one guarded forward transition and, when the
// recipient leaves pending, increments the matching campaign counter in the
// same transaction. Counters track dispatch outcomes only: a recipient that
// was handed to the gateway (sent) and later fails via a receipt keeps its
// sent_count slot, so sent_count + failed_count never exceeds
// total_recipients. Returns false when the transition did not apply, which
// makes redelivered jobs idempotent.
func (s *Store) RecordRecipientOutcome(ctx context.Context, in store.RecipientOutcome) (bool, error) {
	if allowedFrom(in.To) == nil {
		return false, fmt.Errorf("recipient outcome %q is not a valid target state", in.To)
	}

	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transition := func(from []domain.RecipientStatus) (bool, error) {
		fromStrs := make([]string, len(from))
		for i, f := range from {
			fromStrs[i] = string(f)
		}
		q := fmt.Sprintf(`
			UPDATE campaign_recipients
			SET status=$2,
			    last_error=NULLIF($3,''),
			    gateway_msg_id=COALESCE(NULLIF($4,''), gateway_msg_id),
			    gateway_ack=COALESCE(NULLIF($5,''), gateway_ack),
			    %s=$6, updated_at=$6
			WHERE id=$1 AND status = ANY($7)
		`, stampColumn(in.To))
		ct, err := tx.Exec(ctx, q, in.RecipientID, in.To, in.LastError, in.GatewayMsgID, in.GatewayAck, in.Now, fromStrs)
		if err != nil {
			return false, err
		}
		return ct.RowsAffected() > 0, nil
	}

	increment := func(counter string) error {
		// Atomic increments, never read-modify-write: concurrent outcomes
		// for different recipients of one campaign must commute.
		q := fmt.Sprintf(`
			UPDATE campaigns SET %s = %s + 1, updated_at=$2
			WHERE id=$1 AND status = ANY($3)
		`, counter, counter)
		_, err := tx.Exec(ctx, q, in.CampaignID, in.Now,
			[]string{string(domain.CampaignRunning), string(domain.CampaignCancelled)})
		return err
	}

	var applied bool
	switch in.To {
	case domain.RecipientSent:
		if applied, err = transition([]domain.RecipientStatus{domain.RecipientPending}); err != nil {
			return false, err
		}
		if applied {
			if err := increment("sent_count"); err != nil {
				return false, err
			}
		}
	case domain.RecipientFailed:
		// pending -> failed takes the failed_count slot; sent -> failed
		// keeps the sent_count slot it already holds.
		if applied, err = transition([]domain.RecipientStatus{domain.RecipientPending}); err != nil {
			return false, err
		}
		if applied {
			if err := increment("failed_count"); err != nil {
				return false, err
			}
		} else if applied, err = transition([]domain.RecipientStatus{domain.RecipientSent}); err != nil {
			return false, err
		}
	default:
		if applied, err = transition(allowedFrom(in.To)); err != nil {
			return false, err
		}
	}
	if !applied {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// NoteRecipientError records a transient delivery error without a state
// transition; the recipient stays pending for the queue-level retry.
func (s *Store) NoteRecipientError(ctx context.Context, recipientID, lastError string) error {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = conn.Exec(ctx, `
		UPDATE campaign_recipients SET last_error=$2, updated_at=now()
		WHERE id=$1 AND status=$3
	`, recipientID, lastError, domain.RecipientPending)
	return err
}

func (s *Store) ApplyReceipt(ctx context.Context, in store.Receipt) (bool, error) {
	from := allowedFrom(in.To)
	if from == nil {
		return false, fmt.Errorf("receipt target state %q is invalid", in.To)
	}

	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	q := fmt.Sprintf(`
		UPDATE campaign_recipients
		SET status=$2, %s=$3, delivered_at=COALESCE(delivered_at, $3), updated_at=$3
		WHERE gateway_msg_id=$1 AND status = ANY($4)
	`, stampColumn(in.To))
	ct, err := conn.Exec(ctx, q, in.GatewayMsgID, in.To, in.Now, fromStrs)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CountPendingRecipients(ctx context.Context, campaignID string) (int, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status=$2
	`, campaignID, domain.RecipientPending).Scan(&n)
	return n, err
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, in store.CampaignStatusUpdate) (bool, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var ct pgconn.CommandTag
	if in.To == domain.CampaignCompleted {
		ct, err = conn.Exec(ctx, `
			UPDATE campaigns SET status=$2, completed_at=$3, updated_at=$3
			WHERE id=$1 AND status=$4
		`, in.CampaignID, in.To, in.Now, in.From)
	} else {
		ct, err = conn.Exec(ctx, `
			UPDATE campaigns SET status=$2, updated_at=$3
			WHERE id=$1 AND status=$4
		`, in.CampaignID, in.To, in.Now, in.From)
	}
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// DeleteCampaign removes a non-running campaign; recipients cascade. Deleting
// a running campaign is a policy error.
func (s *Store) DeleteCampaign(ctx context.Context, campaignID string) error {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ct, err := conn.Exec(ctx, `
		DELETE FROM campaigns WHERE id=$1 AND status <> $2
	`, campaignID, domain.CampaignRunning)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = conn.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1`, campaignID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrCampaignNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrCampaignRunning
}

// CompleteDueCampaigns closes every running campaign of the bound tenant that
// has no pending recipients left.
func (s *Store) CompleteDueCampaigns(ctx context.Context) (int, error) {
	conn, release, err := s.Scope.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ct, err := conn.Exec(ctx, `
		UPDATE campaigns c SET status=$1, completed_at=now(), updated_at=now()
		WHERE c.status=$2 AND NOT EXISTS (
			SELECT 1 FROM campaign_recipients r
			WHERE r.campaign_id = c.id AND r.status=$3
		)
	`, domain.CampaignCompleted, domain.CampaignRunning, domain.RecipientPending)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// ListTenantIDs reads the tenants table, which is not tenant-scoped, straight
// off the pool. The reconciliation sweep iterates these and re-enters through
// the tenant scope per id.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Scope.Pool.Query(ctx, `SELECT id FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
