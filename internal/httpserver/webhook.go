package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"campaigner/internal/observability"
)

type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, tenantID, gatewayMsgID, gatewayStatus string) (bool, error)
}

// Webhook receives delivery receipts from the gateway fleet. The gateway
// authenticates with a static shared token; receipts for unknown messages are
// acknowledged and dropped.
type Webhook struct {
	Svc   ReceiptHandler
	Token string
}

func (wh *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/gateway/receipts", wh.handleReceipt).Methods(http.MethodPost)
}

type receiptPayload struct {
	TenantID  string `json:"tenantId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (wh *Webhook) handleReceipt(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get("X-Gateway-Token")
	if wh.Token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(wh.Token)) != 1 {
		http.Error(w, ErrUnauthorized, http.StatusUnauthorized)
		return
	}

	var p receiptPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if p.TenantID == "" || p.MessageID == "" || p.Status == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	observability.Receipts.WithLabelValues(p.Status).Inc()

	applied, err := wh.Svc.HandleReceipt(r.Context(), p.TenantID, p.MessageID, p.Status)
	if err != nil {
		slog.Error("receipt apply failed", "message_id", p.MessageID, "status", p.Status, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !applied {
		slog.Debug("receipt dropped", "message_id", p.MessageID, "status", p.Status)
	}
	w.WriteHeader(http.StatusOK)
}
