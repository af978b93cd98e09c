package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/vango-go/vai-assist/pkg/accounts"
	"github.com/vango-go/vai-assist/pkg/core/types"
)

func accountsMux(h AccountsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", h.Register)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/user/update", h.UpdateUser)
	mux.HandleFunc("GET /api/user/{id}", h.GetUser)
	mux.HandleFunc("GET /api/sessions/{userId}", h.ListSessions)
	mux.HandleFunc("POST /api/sessions", h.UpsertSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /api/vector-search", h.VectorSearch)
	return mux
}

func TestAccounts_RegisterLoginAndFetch(t *testing.T) {
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: newTestAccounts(t), Logger: testLogger()})

	rr := doJSON(t, mux, http.MethodPost, "/api/auth/register", `{"phone":"555","password":"pw","name":"Ada"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("register status=%d body=%s", rr.Code, rr.Body.String())
	}
	var reg types.Identity
	if err := json.Unmarshal(rr.Body.Bytes(), &reg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reg.ID == "" || reg.Name != "Ada" || reg.Password != "" {
		t.Fatalf("registered identity=%+v", reg)
	}

	rr = doJSON(t, mux, http.MethodPost, "/api/auth/register", `{"phone":"555","password":"pw","name":"Other"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register status=%d, want 409", rr.Code)
	}

	rr = doJSON(t, mux, http.MethodPost, "/api/auth/login", `{"phone":"555","password":"nope"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status=%d, want 401", rr.Code)
	}
	rr = doJSON(t, mux, http.MethodPost, "/api/auth/login", `{"phone":"999","password":"pw"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown phone status=%d, want 404", rr.Code)
	}
	rr = doJSON(t, mux, http.MethodPost, "/api/auth/login", `{"phone":"555","password":"pw"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), reg.ID) {
		t.Fatalf("login status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, mux, http.MethodGet, "/api/user/"+reg.ID, "")
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), `"password"`) {
		t.Fatalf("get user status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, mux, http.MethodGet, "/api/user/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing user status=%d, want 404", rr.Code)
	}
}

func TestAccounts_UpdateUser(t *testing.T) {
	svc := newTestAccounts(t)
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: svc})

	rr := doJSON(t, mux, http.MethodPost, "/api/auth/register", `{"phone":"1","password":"pw","name":"A"}`)
	var reg types.Identity
	_ = json.Unmarshal(rr.Body.Bytes(), &reg)

	rr = doJSON(t, mux, http.MethodPost, "/api/user/update", `{"id":"`+reg.ID+`","phone":"1","name":"B","traits":"calm"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, mux, http.MethodPost, "/api/auth/login", `{"phone":"1","password":"pw"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"traits":"calm"`) {
		t.Fatalf("login after update status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, mux, http.MethodPost, "/api/user/update", `{"id":"nobody","name":"B"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("update unknown status=%d, want 404", rr.Code)
	}
}

func TestAccounts_SessionLifecycle(t *testing.T) {
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: newTestAccounts(t)})

	rr := doJSON(t, mux, http.MethodPost, "/api/sessions", `{"id":"s1","userId":"u1","title":"first","messages":[]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert status=%d body=%s", rr.Code, rr.Body.String())
	}
	doJSON(t, mux, http.MethodPost, "/api/sessions", `{"id":"s2","userId":"u2"}`)
	doJSON(t, mux, http.MethodPost, "/api/sessions", `{"id":"s1","userId":"u1","title":"renamed"}`)

	rr = doJSON(t, mux, http.MethodGet, "/api/sessions/u1", "")
	var list []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v body=%s", err, rr.Body.String())
	}
	if len(list) != 1 || list[0]["title"] != "renamed" {
		t.Fatalf("sessions=%v, want one renamed session", list)
	}

	rr = doJSON(t, mux, http.MethodGet, "/api/sessions/nobody", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty list body=%q, want []", rr.Body.String())
	}

	rr = doJSON(t, mux, http.MethodDelete, "/api/sessions/s1", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("delete status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, mux, http.MethodDelete, "/api/sessions/s1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", rr.Code)
	}
}

func TestAccounts_NumericSessionID(t *testing.T) {
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: newTestAccounts(t)})

	rr := doJSON(t, mux, http.MethodPost, "/api/sessions", `{"id":1739000000000,"userId":"u1","title":"t"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":1739000000000`) {
		t.Fatalf("upsert status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, mux, http.MethodDelete, "/api/sessions/1739000000000", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAccounts_BadBodies(t *testing.T) {
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: newTestAccounts(t)})

	rr := doJSON(t, mux, http.MethodPost, "/api/auth/register", `{not json`)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid JSON body") {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, mux, http.MethodPost, "/api/auth/register", `{"phone":"1","name":"A"}`)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), `"param":"password"`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	cfg := testConfig()
	cfg.MaxBodyBytes = 8
	small := accountsMux(AccountsHandler{Config: cfg, Accounts: newTestAccounts(t)})
	rr = doJSON(t, small, http.MethodPost, "/api/auth/register", `{"phone":"1234567890","password":"pw","name":"A"}`)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "body_too_large") {
		t.Fatalf("oversized status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAccounts_VectorSearchPlaceholder(t *testing.T) {
	mux := accountsMux(AccountsHandler{Config: testConfig(), Accounts: newTestAccounts(t)})
	for _, body := range []string{`{"query":"anything"}`, ""} {
		rr := doJSON(t, mux, http.MethodPost, "/api/vector-search", body)
		var got string
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("body %q is not a JSON string: %v", rr.Body.String(), err)
		}
		if got != accounts.VectorSearchPlaceholder {
			t.Fatalf("got %q, want placeholder", got)
		}
	}
}
