// Package accounts implements registration, login, profile updates and
// session bookkeeping on top of a whole-document Storage.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/store"
)

// VectorSearchPlaceholder is returned by VectorSearch until a real index exists.
const VectorSearchPlaceholder = "Vector search is not implemented yet."

// StorageObserver is notified about storage failures. Metrics hook in here.
type StorageObserver interface {
	StorageError(op string)
}

type Service struct {
	storage  store.Storage
	logger   *slog.Logger
	observer StorageObserver

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex

	now   func() time.Time
	newID func(time.Time) string
	hash  func(password string) (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func(time.Time) string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithObserver(o StorageObserver) Option {
	return func(s *Service) { s.observer = o }
}

// WithPasswordHasher replaces bcrypt, e.g. with a cheap hasher in tests.
func WithPasswordHasher(fn func(string) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.hash = fn
		}
	}
}

func New(storage store.Storage, opts ...Option) *Service {
	s := &Service{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   newULID,
		hash:    bcryptHash,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newULID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func bcryptHash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// load never fails: an unreadable or malformed document is replaced by an
// empty one so the request can proceed.
func (s *Service) load(ctx context.Context) store.Document {
	doc, err := s.storage.Load(ctx)
	if err != nil {
		s.logger.Warn("storage load failed, continuing with empty document", "error", err)
		s.storageError("load")
		return store.Empty()
	}
	return doc
}

func (s *Service) save(ctx context.Context, doc store.Document) error {
	if err := s.storage.Save(ctx, doc); err != nil {
		s.logger.Error("storage save failed", "error", err)
		s.storageError("save")
		return core.NewStorageError("save", err)
	}
	return nil
}

func (s *Service) storageError(op string) {
	if s.observer != nil {
		s.observer.StorageError(op)
	}
}

// RegisterRequest carries the fields needed to create an identity.
type RegisterRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (types.Identity, error) {
	phone := strings.TrimSpace(req.Phone)
	name := strings.TrimSpace(req.Name)
	switch {
	case phone == "":
		return types.Identity{}, core.NewInvalidRequestErrorWithParam("phone is required", "phone")
	case req.Password == "":
		return types.Identity{}, core.NewInvalidRequestErrorWithParam("password is required", "password")
	case name == "":
		return types.Identity{}, core.NewInvalidRequestErrorWithParam("name is required", "name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load(ctx)
	for _, u := range doc.Users {
		if u.Phone == phone {
			return types.Identity{}, core.NewConflictError("phone number already registered")
		}
	}

	hashed, err := s.hash(req.Password)
	if err != nil {
		return types.Identity{}, core.NewStorageError("hash", err)
	}
	now := s.now().UTC()
	id := types.Identity{
		ID:                 s.newID(now),
		Phone:              phone,
		Password:           hashed,
		Name:               name,
		CustomInstructions: "",
		LearnedData:        "",
		Traits:             "",
		CreatedAt:          now,
	}
	doc.Users = append(doc.Users, id)
	if err := s.save(ctx, doc); err != nil {
		return types.Identity{}, err
	}
	s.logger.Info("identity registered", "user_id", id.ID)
	return id.Public(), nil
}

// LoginRequest carries login credentials.
type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (types.Identity, error) {
	phone := strings.TrimSpace(req.Phone)
	if phone == "" || req.Password == "" {
		return types.Identity{}, core.NewInvalidRequestError("phone and password are required")
	}

	s.mu.Lock()
	doc := s.load(ctx)
	s.mu.Unlock()

	for _, u := range doc.Users {
		if u.Phone != phone {
			continue
		}
		if !passwordMatches(u.Password, req.Password) {
			return types.Identity{}, core.NewAuthenticationError("invalid password")
		}
		return u.Public(), nil
	}
	return types.Identity{}, core.NewNotFoundError("user not found")
}

// passwordMatches accepts bcrypt hashes and, for documents written before
// hashing was introduced, plaintext.
func passwordMatches(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	if _, err := bcrypt.Cost([]byte(s)); err != nil {
		return false
	}
	return true
}

// UpdateIdentity overwrites every field of the stored identity except the
// password, and returns the record as sent (without the password).
func (s *Service) UpdateIdentity(ctx context.Context, rec types.Identity) (types.Identity, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return types.Identity{}, core.NewInvalidRequestErrorWithParam("id is required", "id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load(ctx)
	idx := -1
	for i, u := range doc.Users {
		if u.ID == rec.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.Identity{}, core.NewNotFoundError("user not found")
	}

	updated := rec
	updated.Password = doc.Users[idx].Password
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = doc.Users[idx].CreatedAt
	}
	doc.Users[idx] = updated
	if err := s.save(ctx, doc); err != nil {
		return types.Identity{}, err
	}
	return rec.Public(), nil
}

func (s *Service) GetIdentity(ctx context.Context, id string) (types.Identity, error) {
	s.mu.Lock()
	doc := s.load(ctx)
	s.mu.Unlock()

	for _, u := range doc.Users {
		if u.ID == id {
			return u.Public(), nil
		}
	}
	return types.Identity{}, core.NewNotFoundError("user not found")
}

// ListSessions returns every session owned by userID, in stored order.
func (s *Service) ListSessions(ctx context.Context, userID string) []types.Session {
	s.mu.Lock()
	doc := s.load(ctx)
	s.mu.Unlock()

	out := make([]types.Session, 0)
	for _, sess := range doc.Sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out
}

// UpsertSession replaces the session with the same id, or appends it.
func (s *Service) UpsertSession(ctx context.Context, rec types.Session) (types.Session, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return types.Session{}, core.NewInvalidRequestErrorWithParam("id is required", "id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load(ctx)
	replaced := false
	for i := range doc.Sessions {
		if doc.Sessions[i].ID == rec.ID {
			doc.Sessions[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Sessions = append(doc.Sessions, rec)
	}
	if err := s.save(ctx, doc); err != nil {
		return types.Session{}, err
	}
	return rec, nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load(ctx)
	kept := make([]types.Session, 0, len(doc.Sessions))
	for _, sess := range doc.Sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	if len(kept) == len(doc.Sessions) {
		return core.NewNotFoundError("session not found")
	}
	doc.Sessions = kept
	return s.save(ctx, doc)
}

// Health is a constant liveness acknowledgment.
func (s *Service) Health() map[string]string {
	return map[string]string{"status": "online"}
}

// VectorSearch is a placeholder; the query is ignored.
func (s *Service) VectorSearch(ctx context.Context, query string) string {
	return VectorSearchPlaceholder
}
