// Package notify emits status-changed events to an external observer
// (websocket fan-out, dashboards). Delivery is best-effort: a down observer
// must never block or fail a state transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	KindCampaign  = "campaign"
	KindRecipient = "recipient"
)

type Event struct {
	TenantID    string    `json:"tenantId"`
	CampaignID  string    `json:"campaignId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

type Emitter struct {
	URL  string
	HTTP *http.Client
}

// StatusChanged posts the event and swallows every failure. Nil receiver and
// empty URL are both no-ops so callers never need to guard.
func (e *Emitter) StatusChanged(ctx context.Context, ev Event) {
	if e == nil || e.URL == "" {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("status event delivery failed", "err", err, "kind", ev.Kind)
		return
	}
	_ = resp.Body.Close()
}
