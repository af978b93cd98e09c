package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/store"
)

func newTestService(t *testing.T, storage store.Storage) *Service {
	t.Helper()
	var seq atomic.Int64
	return New(storage,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		WithIDGenerator(func(time.Time) string { return fmt.Sprintf("u%d", seq.Add(1)) }),
		WithPasswordHasher(func(p string) (string, error) {
			b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.MinCost)
			return string(b), err
		}),
	)
}

func requireType(t *testing.T, err error, want core.ErrorType) {
	t.Helper()
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("err=%v (%T), want *core.Error of type %s", err, err, want)
	}
	if coreErr.Type != want {
		t.Fatalf("type=%s, want %s (message=%q)", coreErr.Type, want, coreErr.Message)
	}
}

func TestRegister_DuplicatePhoneConflicts(t *testing.T) {
	mem := store.NewMemoryStorage()
	svc := newTestService(t, mem)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, RegisterRequest{Phone: "0912", Password: "other", Name: "Reza"})
	requireType(t, err, core.ErrConflict)

	count := 0
	for _, u := range mem.Snapshot().Users {
		if u.Phone == "0912" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("identities with phone 0912 = %d, want 1", count)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	for _, req := range []RegisterRequest{
		{Password: "p", Name: "n"},
		{Phone: "1", Name: "n"},
		{Phone: "1", Password: "p"},
	} {
		_, err := svc.Register(context.Background(), req)
		requireType(t, err, core.ErrInvalidRequest)
	}
}

func TestRegister_StoresHashAndReturnsPublicIdentity(t *testing.T) {
	mem := store.NewMemoryStorage()
	svc := newTestService(t, mem)

	got, err := svc.Register(context.Background(), RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.Password != "" {
		t.Fatalf("password returned to caller")
	}
	if got.ID != "u1" || got.Name != "Ali" || got.CreatedAt.IsZero() {
		t.Fatalf("identity=%+v", got)
	}
	stored := mem.Snapshot().Users[0]
	if stored.Password == "pass" || stored.Password == "" {
		t.Fatalf("stored password=%q, want a hash", stored.Password)
	}
}

func TestRegister_SaveFailureIsStorageError(t *testing.T) {
	mem := store.NewMemoryStorage()
	mem.SaveErr = errors.New("disk full")
	svc := newTestService(t, mem)

	_, err := svc.Register(context.Background(), RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})
	requireType(t, err, core.ErrAPI)
	if !errors.Is(err, mem.SaveErr) {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestRegisterLoginScenario(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = svc.Login(ctx, LoginRequest{Phone: "0912", Password: "wrong"})
	requireType(t, err, core.ErrAuthentication)

	got, err := svc.Login(ctx, LoginRequest{Phone: "0912", Password: "pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got != registered {
		t.Fatalf("login identity=%+v, want %+v", got, registered)
	}
}

func TestLogin_UnknownPhoneIsNotFound(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	_, err := svc.Login(context.Background(), LoginRequest{Phone: "0000", Password: "x"})
	requireType(t, err, core.ErrNotFound)

	_, err = svc.Login(context.Background(), LoginRequest{Phone: "0000"})
	requireType(t, err, core.ErrInvalidRequest)
}

func TestLogin_AcceptsLegacyPlaintextPassword(t *testing.T) {
	mem := store.NewMemoryStorage()
	doc := store.Empty()
	doc.Users = append(doc.Users, types.Identity{ID: "legacy", Phone: "0912", Password: "pass", Name: "Ali"})
	_ = mem.Save(context.Background(), doc)
	svc := newTestService(t, mem)

	if _, err := svc.Login(context.Background(), LoginRequest{Phone: "0912", Password: "pass"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, err := svc.Login(context.Background(), LoginRequest{Phone: "0912", Password: "pas"})
	requireType(t, err, core.ErrAuthentication)
}

func TestUpdateIdentity_NeverChangesPassword(t *testing.T) {
	mem := store.NewMemoryStorage()
	svc := newTestService(t, mem)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	before := mem.Snapshot().Users[0].Password

	for _, pw := range []string{"", "hijack", before} {
		rec := reg
		rec.Password = pw
		rec.Name = "Ali Reza"
		rec.CustomInstructions = "Speak Persian."
		got, err := svc.UpdateIdentity(ctx, rec)
		if err != nil {
			t.Fatalf("update(%q): %v", pw, err)
		}
		if got.Password != "" {
			t.Fatalf("update echoed password %q", got.Password)
		}
		stored := mem.Snapshot().Users[0]
		if stored.Password != before {
			t.Fatalf("stored password changed after update with %q", pw)
		}
		if stored.Name != "Ali Reza" || stored.CustomInstructions != "Speak Persian." {
			t.Fatalf("fields not updated: %+v", stored)
		}
	}

	if _, err := svc.Login(ctx, LoginRequest{Phone: "0912", Password: "pass"}); err != nil {
		t.Fatalf("original password no longer works: %v", err)
	}
}

func TestUpdateIdentity_Errors(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	_, err := svc.UpdateIdentity(context.Background(), types.Identity{Name: "x"})
	requireType(t, err, core.ErrInvalidRequest)

	_, err = svc.UpdateIdentity(context.Background(), types.Identity{ID: "missing"})
	requireType(t, err, core.ErrNotFound)
}

func TestGetIdentity(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	ctx := context.Background()
	reg, _ := svc.Register(ctx, RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})

	got, err := svc.GetIdentity(ctx, reg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Password != "" || got.Phone != "0912" {
		t.Fatalf("identity=%+v", got)
	}

	_, err = svc.GetIdentity(ctx, "nope")
	requireType(t, err, core.ErrNotFound)
}

func session(id, userID, title string) types.Session {
	return types.Session{
		ID:      id,
		UserID:  userID,
		Payload: map[string]json.RawMessage{"title": json.RawMessage(fmt.Sprintf("%q", title))},
	}
}

func TestUpsertSession_IdempotentByID(t *testing.T) {
	mem := store.NewMemoryStorage()
	svc := newTestService(t, mem)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.UpsertSession(ctx, session("s1", "u1", fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	sessions := mem.Snapshot().Sessions
	if len(sessions) != 1 {
		t.Fatalf("sessions=%d, want 1", len(sessions))
	}
	if got := string(sessions[0].Payload["title"]); got != `"v4"` {
		t.Fatalf("title=%s, want latest payload", got)
	}
}

func TestUpsertSession_MissingID(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	_, err := svc.UpsertSession(context.Background(), types.Session{UserID: "u1"})
	requireType(t, err, core.ErrInvalidRequest)
}

func TestListSessions_FiltersByOwner(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	ctx := context.Background()
	_, _ = svc.UpsertSession(ctx, session("s1", "u1", "a"))
	_, _ = svc.UpsertSession(ctx, session("s2", "u2", "b"))
	_, _ = svc.UpsertSession(ctx, session("s3", "u1", "c"))

	got := svc.ListSessions(ctx, "u1")
	if len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s3" {
		t.Fatalf("sessions=%+v", got)
	}
	empty := svc.ListSessions(ctx, "nobody")
	if empty == nil || len(empty) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", empty)
	}
}

func TestDeleteSession_UnknownIDLeavesCollection(t *testing.T) {
	mem := store.NewMemoryStorage()
	svc := newTestService(t, mem)
	ctx := context.Background()
	_, _ = svc.UpsertSession(ctx, session("s1", "u1", "a"))
	_, _ = svc.UpsertSession(ctx, session("s2", "u1", "b"))
	savesBefore := mem.Saves()

	err := svc.DeleteSession(ctx, "missing")
	requireType(t, err, core.ErrNotFound)
	if n := len(mem.Snapshot().Sessions); n != 2 {
		t.Fatalf("sessions=%d, want 2", n)
	}
	if mem.Saves() != savesBefore {
		t.Fatalf("not-found delete must not rewrite the document")
	}

	if err := svc.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left := mem.Snapshot().Sessions
	if len(left) != 1 || left[0].ID != "s2" {
		t.Fatalf("sessions=%+v", left)
	}
}

type countingObserver struct{ ops []string }

func (o *countingObserver) StorageError(op string) { o.ops = append(o.ops, op) }

func TestLoadFailureFallsBackToEmptyDocument(t *testing.T) {
	mem := store.NewMemoryStorage()
	_, _ = newTestService(t, mem).Register(context.Background(), RegisterRequest{Phone: "0912", Password: "pass", Name: "Ali"})
	mem.LoadErr = errors.New("malformed")
	obs := &countingObserver{}
	svc := New(mem, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithObserver(obs))

	_, err := svc.Login(context.Background(), LoginRequest{Phone: "0912", Password: "pass"})
	requireType(t, err, core.ErrNotFound)
	if got := svc.ListSessions(context.Background(), "u1"); len(got) != 0 {
		t.Fatalf("sessions=%+v", got)
	}
	if len(obs.ops) != 2 || obs.ops[0] != "load" {
		t.Fatalf("observer ops=%v", obs.ops)
	}
}

func TestHealthAndVectorSearch(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStorage())
	if svc.Health()["status"] != "online" {
		t.Fatalf("health=%v", svc.Health())
	}
	if svc.VectorSearch(context.Background(), "anything") != VectorSearchPlaceholder {
		t.Fatalf("unexpected vector search result")
	}
}
