package domain

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

// campaignTransitions is the closed set of legal campaign moves.
// Terminal states have no outgoing edges.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:   {CampaignRunning, CampaignFailed},
	CampaignRunning: {CampaignCompleted, CampaignCancelled, CampaignFailed},
}

// recipientTransitions only moves forward: pending -> sent -> delivered -> read,
// with failure reachable from pending (invalid destination) or sent.
var recipientTransitions = map[RecipientStatus][]RecipientStatus{
	RecipientPending:   {RecipientSent, RecipientFailed},
	RecipientSent:      {RecipientDelivered, RecipientFailed},
	RecipientDelivered: {RecipientRead},
}

func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CampaignStatus) Terminal() bool {
	return len(campaignTransitions[s]) == 0
}

func (s RecipientStatus) CanTransition(to RecipientStatus) bool {
	for _, next := range recipientTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a recipient no longer counts against campaign
// completion. "sent" is terminal for completion purposes: delivery receipts
// are best-effort and may never arrive.
func (s RecipientStatus) Terminal() bool {
	return s != RecipientPending
}

type Campaign struct {
	ID                string
	TenantID          string
	GatewayInstanceID string
	TemplateID        string
	Name              string
	MessageBody       string
	Status            CampaignStatus
	TotalRecipients   int
	SentCount         int
	FailedCount       int
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CampaignRecipient struct {
	ID           string
	CampaignID   string
	ContactID    string
	Destination  string
	Status       RecipientStatus
	LastError    string
	GatewayMsgID string
	GatewayAck   string
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	FailedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DispatchJob is the wire envelope for one delivery attempt. Attempt travels
// on the envelope itself so the retry policy does not depend on broker
// metadata.
type DispatchJob struct {
	TenantID           string         `json:"tenantId"`
	GatewayInstanceID  string         `json:"gatewayInstanceId"`
	Destination        string         `json:"destination"`
	RenderedMessage    string         `json:"renderedMessage"`
	IsGroupDestination bool           `json:"isGroupDestination,omitempty"`
	CampaignID         string         `json:"campaignId,omitempty"`
	RecipientID        string         `json:"recipientId,omitempty"`
	SessionCredsRef    string         `json:"sessionCredentialsRef"`
	Attempt            int            `json:"attempt"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

var (
	ErrMissingFields      = errors.New("missing required fields")
	ErrOrphanRecipientRef = errors.New("campaignId and recipientId must be set together")

	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrCampaignNotDraft   = errors.New("campaign is not in draft")
	ErrCampaignNotRunning = errors.New("campaign is not running")
	ErrCampaignRunning    = errors.New("cannot delete a running campaign")
	ErrNoRecipients       = errors.New("campaign has no recipients")
	ErrNothingPending     = errors.New("campaign has no pending recipients")
)

func (j DispatchJob) Validate() error {
	if j.TenantID == "" || j.GatewayInstanceID == "" || j.Destination == "" ||
		j.RenderedMessage == "" || j.SessionCredsRef == "" {
		return ErrMissingFields
	}
	if (j.CampaignID == "") != (j.RecipientID == "") {
		return ErrOrphanRecipientRef
	}
	if j.Attempt < 0 {
		return ErrMissingFields
	}
	return nil
}
