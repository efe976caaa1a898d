package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

type QueueAdmin interface {
	Purge() (int, error)
}

type BrokerStatus interface {
	IsConnected() bool
}

// Ops exposes the operational endpoints: queue purge for stuck-campaign
// cleanup and a broker probe for readiness checks.
type Ops struct {
	Queue  QueueAdmin
	Broker BrokerStatus
	Token  string
}

func (o *Ops) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/ops/queue/purge", o.handlePurge).Methods(http.MethodPost)
	mux.HandleFunc("/v1/ops/broker", o.handleBroker).Methods(http.MethodGet)
}

func (o *Ops) handlePurge(w http.ResponseWriter, r *http.Request) {
	if o.Token == "" || r.Header.Get("X-Ops-Token") != o.Token {
		http.Error(w, ErrUnauthorized, http.StatusUnauthorized)
		return
	}
	n, err := o.Queue.Purge()
	if err != nil {
		slog.Error("queue purge failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	slog.Warn("queue purged", "messages", n)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"purged": n})
}

func (o *Ops) handleBroker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"connected": o.Broker.IsConnected()})
}
