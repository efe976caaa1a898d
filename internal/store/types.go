package store

import (
	"time"

	"campaigner/internal/domain"
)

// RecipientSeed is one resolved contact for a campaign start, already
// deduplicated by contact id. Attrs feeds {{placeholder}} rendering.
type RecipientSeed struct {
	ContactID   string
	Destination string
	Attrs       map[string]string
}

// RecipientRow is a seed with its assigned recipient id, ready to persist.
type RecipientRow struct {
	ID          string
	ContactID   string
	Destination string
}

type ActivateCampaign struct {
	CampaignID string
	TenantID   string
	Recipients []RecipientRow
	Now        time.Time
}

// RecipientOutcome applies one forward recipient transition together with the
// matching campaign counter increment.
type RecipientOutcome struct {
	CampaignID   string
	RecipientID  string
	To           domain.RecipientStatus
	LastError    string
	GatewayMsgID string
	GatewayAck   string
	Now          time.Time
}

type CampaignStatusUpdate struct {
	CampaignID string
	From       domain.CampaignStatus
	To         domain.CampaignStatus
	Now        time.Time
}

// Receipt advances a recipient by gateway message id, driven by the gateway's
// delivery callbacks.
type Receipt struct {
	GatewayMsgID string
	To           domain.RecipientStatus
	Now          time.Time
}
