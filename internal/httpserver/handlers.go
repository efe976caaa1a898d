package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"campaigner/internal/domain"
)

const tenantHeader = "X-Tenant-ID"

type CampaignService interface {
	Start(ctx context.Context, tenantID, campaignID string) error
	Cancel(ctx context.Context, tenantID, campaignID string) error
	Delete(ctx context.Context, tenantID, campaignID string) error
	Get(ctx context.Context, tenantID, campaignID string) (domain.Campaign, bool, error)
}

type API struct {
	Svc CampaignService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns/{id}/start", a.handleStart).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
}

type campaignView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	TotalRecipients int    `json:"totalRecipients"`
	SentCount       int    `json:"sentCount"`
	FailedCount     int    `json:"failedCount"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	tenantID, campaignID, ok := requestScope(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Start(r.Context(), tenantID, campaignID); err != nil {
		writeDomainError(w, err, "start", campaignID)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, campaignID, ok := requestScope(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Cancel(r.Context(), tenantID, campaignID); err != nil {
		writeDomainError(w, err, "cancel", campaignID)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, campaignID, ok := requestScope(w, r)
	if !ok {
		return
	}
	if err := a.Svc.Delete(r.Context(), tenantID, campaignID); err != nil {
		writeDomainError(w, err, "delete", campaignID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, campaignID, ok := requestScope(w, r)
	if !ok {
		return
	}
	c, found, err := a.Svc.Get(r.Context(), tenantID, campaignID)
	if err != nil {
		writeDomainError(w, err, "get", campaignID)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(campaignView{
		ID:              c.ID,
		Name:            c.Name,
		Status:          string(c.Status),
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
	})
}

func requestScope(w http.ResponseWriter, r *http.Request) (tenantID, campaignID string, ok bool) {
	tenantID = r.Header.Get(tenantHeader)
	if tenantID == "" {
		http.Error(w, ErrMissingTenant, http.StatusBadRequest)
		return "", "", false
	}
	campaignID = mux.Vars(r)["id"]
	if campaignID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return "", "", false
	}
	return tenantID, campaignID, true
}

func writeDomainError(w http.ResponseWriter, err error, op, campaignID string) {
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrCampaignNotDraft),
		errors.Is(err, domain.ErrCampaignNotRunning),
		errors.Is(err, domain.ErrCampaignRunning),
		errors.Is(err, domain.ErrNothingPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrNoRecipients):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("campaign operation failed", "op", op, "campaign_id", campaignID, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
