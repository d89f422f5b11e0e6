package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"fleetwatch/internal/monitor"
)

type StatusSource interface {
	Status() monitor.Status
}

// StatusAPI exposes the orchestrator snapshot for the ops dashboard.
type StatusAPI struct {
	Source StatusSource
}

func (a *StatusAPI) Register(m *mux.Router) {
	m.HandleFunc("/v1/status", a.handleStatus).Methods(http.MethodGet)
}

func (a *StatusAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.Source.Status())
}
