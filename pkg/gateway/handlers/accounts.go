package handlers

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
)

// AccountsHandler serves identity and chat session records.
type AccountsHandler struct {
	Config   config.Config
	Accounts *accounts.Service
	Logger   *slog.Logger
}

func (h AccountsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req accounts.RegisterRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := h.Accounts.Register(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h AccountsHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req accounts.LoginRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := h.Accounts.Login(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h AccountsHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var rec types.Identity
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &rec); err != nil {
		writeErr(w, r, err)
		return
	}
	out, err := h.Accounts.UpdateIdentity(r.Context(), rec)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h AccountsHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	out, err := h.Accounts.GetIdentity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h AccountsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Accounts.ListSessions(r.Context(), r.PathValue("userId")))
}

func (h AccountsHandler) UpsertSession(w http.ResponseWriter, r *http.Request) {
	var rec types.Session
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &rec); err != nil {
		writeErr(w, r, err)
		return
	}
	out, err := h.Accounts.UpsertSession(r.Context(), rec)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h AccountsHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VectorSearch accepts {"query": "..."} and answers with a placeholder string.
func (h AccountsHandler) VectorSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	// The body is optional; a missing or malformed query still gets the placeholder.
	_ = decodeJSON(w, r, h.Config.MaxBodyBytes, &req)
	writeJSON(w, http.StatusOK, h.Accounts.VectorSearch(r.Context(), req.Query))
}
