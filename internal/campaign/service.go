// Package campaign governs the campaign and recipient lifecycles: start,
// cancel, delete, per-recipient outcome recording, and completion detection.
package campaign

import (
	"context"
	"fmt"
	"log/slog"

	"campaigner/internal/domain"
	"campaigner/internal/notify"
	"campaigner/internal/store"
	"campaigner/internal/tenant"
	"campaigner/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error)
	ResolveRecipients(ctx context.Context, campaignID string) ([]store.RecipientSeed, error)
	ActivateCampaign(ctx context.Context, in store.ActivateCampaign) (bool, error)
	RecordRecipientOutcome(ctx context.Context, in store.RecipientOutcome) (bool, error)
	NoteRecipientError(ctx context.Context, recipientID, lastError string) error
	ApplyReceipt(ctx context.Context, in store.Receipt) (bool, error)
	CountPendingRecipients(ctx context.Context, campaignID string) (int, error)
	UpdateCampaignStatus(ctx context.Context, in store.CampaignStatusUpdate) (bool, error)
	DeleteCampaign(ctx context.Context, campaignID string) error
	CompleteDueCampaigns(ctx context.Context) (int, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
}

type Queue interface {
	Publish(ctx context.Context, job domain.DispatchJob) error
}

type Notifier interface {
	StatusChanged(ctx context.Context, ev notify.Event)
}

// StatusCache lets cancel invalidate the worker-side campaign-status cache.
type StatusCache interface {
	Invalidate(ctx context.Context, tenantID, campaignID string) error
}

type Service struct {
	Store    Store
	Queue    Queue
	Notifier Notifier    // optional
	Cache    StatusCache // optional
}

// Outcome is one dispatch result for a recipient, recorded by the worker.
type Outcome struct {
	TenantID     string
	CampaignID   string
	RecipientID  string
	Status       domain.RecipientStatus
	LastError    string
	GatewayMsgID string
	GatewayAck   string
}

// Start moves a draft campaign to running: resolves the recipient set,
// persists the pending rows and total atomically with the status flip, then
// enqueues one dispatch job per recipient. A second start, or a start racing
// a cancel, loses the guarded update and fails.
func (s *Service) Start(ctx context.Context, tenantID, campaignID string) error {
	ctx = tenant.WithTenant(ctx, tenantID)

	c, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	if c.Status != domain.CampaignDraft {
		return domain.ErrCampaignNotDraft
	}

	seeds, err := s.Store.ResolveRecipients(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return domain.ErrNoRecipients
	}

	now := util.NowUTC()
	rows := make([]store.RecipientRow, len(seeds))
	for i, seed := range seeds {
		rows[i] = store.RecipientRow{
			ID:          util.NewRecipientID(),
			ContactID:   seed.ContactID,
			Destination: seed.Destination,
		}
	}

	activated, err := s.Store.ActivateCampaign(ctx, store.ActivateCampaign{
		CampaignID: campaignID,
		TenantID:   tenantID,
		Recipients: rows,
		Now:        now,
	})
	if err != nil {
		return err
	}
	if !activated {
		return domain.ErrCampaignNotDraft
	}

	for i, row := range rows {
		job := domain.DispatchJob{
			TenantID:          tenantID,
			GatewayInstanceID: c.GatewayInstanceID,
			Destination:       row.Destination,
			RenderedMessage:   util.RenderTemplate(c.MessageBody, seeds[i].Attrs),
			CampaignID:        campaignID,
			RecipientID:       row.ID,
			SessionCredsRef:   credentialsRef(tenantID, c.GatewayInstanceID),
		}
		if err := s.Queue.Publish(ctx, job); err != nil {
			// The recipient row exists but no job will ever arrive for it;
			// resolve it so the campaign can still complete.
			slog.Error("enqueue failed, failing recipient",
				"campaign_id", campaignID, "recipient_id", row.ID, "err", err)
			if recErr := s.RecordOutcome(ctx, Outcome{
				TenantID:    tenantID,
				CampaignID:  campaignID,
				RecipientID: row.ID,
				Status:      domain.RecipientFailed,
				LastError:   "enqueue_failed",
			}); recErr != nil {
				slog.Error("failed to record enqueue failure",
					"recipient_id", row.ID, "err", recErr)
			}
		}
	}

	s.emit(ctx, notify.Event{
		TenantID:   tenantID,
		CampaignID: campaignID,
		Kind:       notify.KindCampaign,
		Status:     string(domain.CampaignRunning),
		At:         now,
	})
	return nil
}

// RecordOutcome applies one forward recipient transition plus its counter
// increment, then checks whether that was the campaign's last pending
// recipient. Safe to call for redelivered jobs; a transition that no longer
// applies is a no-op.
func (s *Service) RecordOutcome(ctx context.Context, out Outcome) error {
	ctx = tenant.WithTenant(ctx, out.TenantID)
	now := util.NowUTC()

	applied, err := s.Store.RecordRecipientOutcome(ctx, store.RecipientOutcome{
		CampaignID:   out.CampaignID,
		RecipientID:  out.RecipientID,
		To:           out.Status,
		LastError:    out.LastError,
		GatewayMsgID: out.GatewayMsgID,
		GatewayAck:   out.GatewayAck,
		Now:          now,
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	s.emit(ctx, notify.Event{
		TenantID:    out.TenantID,
		CampaignID:  out.CampaignID,
		RecipientID: out.RecipientID,
		Kind:        notify.KindRecipient,
		Status:      string(out.Status),
		At:          now,
	})
	return s.completeIfDone(ctx, out.TenantID, out.CampaignID)
}

// NoteTransientError records a delivery error without transitioning the
// recipient; it stays pending for the queue-level retry.
func (s *Service) NoteTransientError(ctx context.Context, tenantID, recipientID, lastError string) error {
	ctx = tenant.WithTenant(ctx, tenantID)
	return s.Store.NoteRecipientError(ctx, recipientID, lastError)
}

// Cancel stops a running campaign. Jobs already dispatched are not recalled;
// the worker checks status before every send and skips cancelled campaigns.
func (s *Service) Cancel(ctx context.Context, tenantID, campaignID string) error {
	ctx = tenant.WithTenant(ctx, tenantID)

	c, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	if c.Status != domain.CampaignRunning {
		return domain.ErrCampaignNotRunning
	}

	pending, err := s.Store.CountPendingRecipients(ctx, campaignID)
	if err != nil {
		return err
	}
	if pending == 0 {
		return domain.ErrNothingPending
	}

	now := util.NowUTC()
	cancelled, err := s.Store.UpdateCampaignStatus(ctx, store.CampaignStatusUpdate{
		CampaignID: campaignID,
		From:       domain.CampaignRunning,
		To:         domain.CampaignCancelled,
		Now:        now,
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return domain.ErrCampaignNotRunning
	}

	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, tenantID, campaignID); err != nil {
			slog.Warn("status cache invalidation failed", "campaign_id", campaignID, "err", err)
		}
	}
	s.emit(ctx, notify.Event{
		TenantID:   tenantID,
		CampaignID: campaignID,
		Kind:       notify.KindCampaign,
		Status:     string(domain.CampaignCancelled),
		At:         now,
	})
	return nil
}

// Delete removes a campaign and its recipients. Running campaigns cannot be
// deleted.
func (s *Service) Delete(ctx context.Context, tenantID, campaignID string) error {
	ctx = tenant.WithTenant(ctx, tenantID)
	return s.Store.DeleteCampaign(ctx, campaignID)
}

func (s *Service) Get(ctx context.Context, tenantID, campaignID string) (domain.Campaign, bool, error) {
	ctx = tenant.WithTenant(ctx, tenantID)
	return s.Store.GetCampaign(ctx, campaignID)
}

// Status is the worker's cancellation probe.
func (s *Service) Status(ctx context.Context, tenantID, campaignID string) (domain.CampaignStatus, error) {
	c, found, err := s.Get(ctx, tenantID, campaignID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.ErrCampaignNotFound
	}
	return c.Status, nil
}

// HandleReceipt advances a recipient from a gateway delivery callback.
// Unknown message ids are dropped: the receipt may precede the outcome write
// or belong to an ad-hoc send.
func (s *Service) HandleReceipt(ctx context.Context, tenantID, gatewayMsgID, gatewayStatus string) (bool, error) {
	var to domain.RecipientStatus
	switch gatewayStatus {
	case "delivered":
		to = domain.RecipientDelivered
	case "read":
		to = domain.RecipientRead
	case "failed", "undelivered":
		to = domain.RecipientFailed
	default:
		return false, nil
	}

	ctx = tenant.WithTenant(ctx, tenantID)
	return s.Store.ApplyReceipt(ctx, store.Receipt{
		GatewayMsgID: gatewayMsgID,
		To:           to,
		Now:          util.NowUTC(),
	})
}

// SweepCompletions is the periodic reconciliation pass: it completes every
// running campaign with no pending recipients, tenant by tenant.
func (s *Service) SweepCompletions(ctx context.Context) (int, error) {
	tenants, err := s.Store.ListTenantIDs(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, id := range tenants {
		n, err := s.Store.CompleteDueCampaigns(tenant.WithTenant(ctx, id))
		if err != nil {
			return total, fmt.Errorf("sweep tenant %s: %w", id, err)
		}
		total += n
	}
	return total, nil
}

func (s *Service) completeIfDone(ctx context.Context, tenantID, campaignID string) error {
	pending, err := s.Store.CountPendingRecipients(ctx, campaignID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	now := util.NowUTC()
	completed, err := s.Store.UpdateCampaignStatus(ctx, store.CampaignStatusUpdate{
		CampaignID: campaignID,
		From:       domain.CampaignRunning,
		To:         domain.CampaignCompleted,
		Now:        now,
	})
	if err != nil {
		return err
	}
	if completed {
		s.emit(ctx, notify.Event{
			TenantID:   tenantID,
			CampaignID: campaignID,
			Kind:       notify.KindCampaign,
			Status:     string(domain.CampaignCompleted),
			At:         now,
		})
	}
	return nil
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if s.Notifier != nil {
		s.Notifier.StatusChanged(ctx, ev)
	}
}

func credentialsRef(tenantID, gatewayInstanceID string) string {
	return "creds/" + tenantID + "/" + gatewayInstanceID
}
