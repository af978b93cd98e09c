package handlers

import (
	"net/http"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/gateway/lifecycle"
)

// HealthHandler reports {"status":"online"}, or "draining" during shutdown.
type HealthHandler struct {
	Accounts  *accounts.Service
	Lifecycle *lifecycle.Lifecycle
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "online"}
	if h.Accounts != nil {
		resp = h.Accounts.Health()
	}
	if h.Lifecycle.IsDraining() {
		resp["status"] = h.Lifecycle.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
