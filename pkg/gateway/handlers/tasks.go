package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/gateway/config"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

// TasksHandler exposes the task list. Store is nil when no database is
// configured; listing then returns an empty list and writes return 503.
type TasksHandler struct {
	Config config.Config
	Store  tasks.Store
	Logger *slog.Logger
}

func (h TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	list, err := h.Store.ListTasks(r.Context(), r.PathValue("userId"))
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list tasks failed", "error", err)
		}
		writeErr(w, r, core.NewStorageError("list_tasks", err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h TasksHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Title  string `json:"title"`
	}
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	switch {
	case strings.TrimSpace(req.UserID) == "":
		writeErr(w, r, core.NewInvalidRequestErrorWithParam("userId is required", "userId"))
		return
	case strings.TrimSpace(req.Title) == "":
		writeErr(w, r, core.NewInvalidRequestErrorWithParam("title is required", "title"))
		return
	}
	if h.Store == nil {
		writeErr(w, r, core.NewUnavailableError("task store is not configured"))
		return
	}
	task, err := h.Store.AddTask(r.Context(), req.UserID, strings.TrimSpace(req.Title))
	if err != nil {
		writeErr(w, r, core.NewStorageError("add_task", err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// SetStatus handles POST /api/tasks/{id}/status with {"userId","status"}.
func (h TasksHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, r, core.NewInvalidRequestErrorWithParam("invalid task id", "id"))
		return
	}
	var req struct {
		UserID string `json:"userId"`
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		writeErr(w, r, core.NewInvalidRequestErrorWithParam("status is required", "status"))
		return
	}
	if h.Store == nil {
		writeErr(w, r, core.NewUnavailableError("task store is not configured"))
		return
	}
	task, err := h.Store.SetStatus(r.Context(), req.UserID, id, strings.TrimSpace(req.Status))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
