// Package auth implements the local authentication layer: bcrypt
// passwords, symmetric-secret bearer tokens and the principal loaded per
// request.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/storage"
)

// UsersTable is the entity table backing local accounts.
const UsersTable = "users"

// UserDescriptor declares the users entity. Email is indexed but not
// unique at the DDL level: uniqueness excludes soft-deleted rows, which an
// index cannot express, so the service enforces it against live rows.
func UserDescriptor() entity.Descriptor {
	return entity.Descriptor{
		Table: UsersTable,
		Fields: []entity.Field{
			{Name: "email", Type: entity.TypeString, Indexed: true},
			{Name: "password_hash", Type: entity.TypeString},
			{Name: "name", Type: entity.TypeString, Nullable: true},
			{Name: "role", Type: entity.TypeString, Default: string(RoleUser)},
			{Name: "is_active", Type: entity.TypeBool, Default: "true"},
		},
		KeepHistory: true,
	}
}

// User is the account as handed to transport layers. The password hash
// never leaves this package.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated caller attached to request context.
type Principal struct {
	UserID string
	Email  string
	Role   Role
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == RoleAdmin }

// Service owns accounts and sessions.
type Service struct {
	store  *storage.Store
	issuer *Issuer
	cfg    config.AuthSettings
	log    zerolog.Logger
}

func NewService(store *storage.Store, cfg config.AuthSettings) *Service {
	return &Service{
		store:  store,
		issuer: NewIssuer(cfg),
		cfg:    cfg,
		log:    logging.Component("auth"),
	}
}

// Issuer exposes token operations for middleware.
func (s *Service) Issuer() *Issuer { return s.issuer }

// Register creates an account. Email uniqueness is checked against live
// rows only; a soft-deleted account does not block re-registration.
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, TokenPair, error) {
	if !s.cfg.AllowRegistration {
		return nil, TokenPair{}, apperr.E(apperr.Forbidden, "registration is disabled")
	}
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, TokenPair{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, TokenPair{}, apperr.Wrap(apperr.Internal, err, "hash password")
	}

	var user *User
	err = s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		existing, err := tx.FindEntities(ctx, UsersTable,
			"[email] = ? AND [deleted_at] IS NULL", []interface{}{email}, "", 1, 0)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.E(apperr.Conflict, "an account with this email already exists")
		}
		rec, err := tx.SaveEntity(ctx, UsersTable, entity.Record{
			"email":         email,
			"password_hash": string(hash),
			"name":          name,
			"role":          string(RoleUser),
			"is_active":     true,
		}, email)
		if err != nil {
			return err
		}
		user = userFromRecord(rec)
		return nil
	})
	if err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := s.issuer.IssuePair(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.log.Info().Str("user_id", user.ID).Msg("account registered")
	return user, pair, nil
}

// Login verifies credentials and issues a token pair. Lookup and compare
// failures are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*User, TokenPair, error) {
	email = normalizeEmail(email)
	rec, err := s.findLiveByEmail(ctx, email)
	if err != nil {
		return nil, TokenPair{}, apperr.E(apperr.Unauthenticated, "invalid email or password")
	}
	hash, _ := rec["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, TokenPair{}, apperr.E(apperr.Unauthenticated, "invalid email or password")
	}
	if active, _ := rec["is_active"].(bool); !active {
		return nil, TokenPair{}, apperr.E(apperr.Forbidden, "account is disabled")
	}

	user := userFromRecord(rec)
	pair, err := s.issuer.IssuePair(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh exchanges a refresh token for a new access token, re-checking
// the account along the way.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.issuer.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return "", err
	}
	user, err := s.loadActive(ctx, claims.Subject)
	if err != nil {
		return "", err
	}
	return s.issuer.IssueAccess(user.ID, user.Email, user.Role)
}

// Authenticate resolves a bearer access token to a live principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.issuer.Verify(accessToken, TokenAccess)
	if err != nil {
		return nil, err
	}
	user, err := s.loadActive(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return &Principal{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// GetUser loads one account.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	rec, err := s.store.GetEntity(ctx, UsersTable, id)
	if err == storage.ErrNotFound {
		return nil, apperr.E(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, apperr.E(apperr.NotFound, "user not found")
	}
	return userFromRecord(rec), nil
}

// ChangePassword verifies the current password before accepting the new
// one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 8 {
		return apperr.E(apperr.Validation, "password must be at least 8 characters")
	}
	return s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rec, err := tx.GetEntity(ctx, UsersTable, userID)
		if err == storage.ErrNotFound {
			return apperr.E(apperr.NotFound, "user not found")
		}
		if err != nil {
			return err
		}
		hash, _ := rec["password_hash"].(string)
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)) != nil {
			return apperr.E(apperr.Unauthenticated, "current password is incorrect")
		}
		newHash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "hash password")
		}
		rec["password_hash"] = string(newHash)
		_, err = tx.SaveEntityAudit(ctx, UsersTable, rec, userID, "password change")
		return err
	})
}

// loadActive loads a user and rejects missing, deleted or disabled
// accounts uniformly.
func (s *Service) loadActive(ctx context.Context, id string) (*User, error) {
	rec, err := s.store.GetEntity(ctx, UsersTable, id)
	if err == storage.ErrNotFound {
		return nil, apperr.E(apperr.Unauthenticated, "account no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, apperr.E(apperr.Unauthenticated, "account no longer exists")
	}
	if active, _ := rec["is_active"].(bool); !active {
		return nil, apperr.E(apperr.Forbidden, "account is disabled")
	}
	return userFromRecord(rec), nil
}

func (s *Service) findLiveByEmail(ctx context.Context, email string) (entity.Record, error) {
	recs, err := s.store.FindEntities(ctx, UsersTable,
		"[email] = ? AND [deleted_at] IS NULL", []interface{}{email}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, storage.ErrNotFound
	}
	return recs[0], nil
}

func userFromRecord(rec entity.Record) *User {
	u := &User{ID: rec.ID()}
	u.Email, _ = rec["email"].(string)
	u.Name, _ = rec["name"].(string)
	if role, ok := rec["role"].(string); ok {
		u.Role = Role(role)
	}
	u.IsActive, _ = rec["is_active"].(bool)
	if at, ok := rec["created_at"].(time.Time); ok {
		u.CreatedAt = at
	}
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return apperr.E(apperr.Validation, "a valid email is required")
	}
	if len(password) < 8 {
		return apperr.E(apperr.Validation, "password must be at least 8 characters")
	}
	return nil
}
