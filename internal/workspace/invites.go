package workspace

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/storage"
)

// Invite statuses.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
)

// InviteTTL is how long an invite token stays redeemable.
const InviteTTL = 7 * 24 * time.Hour

// Invite is a pending email invitation to a workspace.
type Invite struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Token       string    `json:"token,omitempty"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	InvitedBy   string    `json:"invited_by"`
}

// Invite creates a pending invite and returns it with the redeem token.
// Admin required. An existing pending invite for the same email is
// revoked and replaced.
func (s *Service) Invite(ctx context.Context, actorID, workspaceID, email, role string) (*Invite, error) {
	if role != RoleAdmin && role != RoleMember {
		return nil, apperr.E(apperr.Validation, "role must be %s or %s", RoleAdmin, RoleMember)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.E(apperr.Validation, "a valid email is required")
	}
	if err := s.requireRole(ctx, actorID, workspaceID, RoleAdmin); err != nil {
		return nil, err
	}

	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}

	var inv *Invite
	err = s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		stale, err := tx.FindEntities(ctx, InvitesTable,
			"[workspace_id] = ? AND [email] = ? AND [status] = ? AND [deleted_at] IS NULL",
			[]interface{}{workspaceID, email, InviteStatusPending}, "", 0, 0)
		if err != nil {
			return err
		}
		for _, old := range stale {
			old["status"] = InviteStatusRevoked
			if _, err := tx.SaveEntity(ctx, InvitesTable, old, actorID); err != nil {
				return err
			}
		}
		rec, err := tx.SaveEntity(ctx, InvitesTable, entity.Record{
			"workspace_id": workspaceID,
			"email":        email,
			"role":         role,
			"token":        token,
			"status":       InviteStatusPending,
			"expires_at":   time.Now().UTC().Add(InviteTTL),
			"invited_by":   actorID,
		}, actorID)
		if err != nil {
			return err
		}
		inv = inviteFromRecord(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("workspace_id", workspaceID).Str("email", email).Msg("invite created")
	return inv, nil
}

// ListInvites returns the workspace's live invites, tokens stripped.
// Admin required.
func (s *Service) ListInvites(ctx context.Context, actorID, workspaceID string) ([]*Invite, error) {
	if err := s.requireRole(ctx, actorID, workspaceID, RoleAdmin); err != nil {
		return nil, err
	}
	rows, err := s.store.FindEntities(ctx, InvitesTable,
		"[workspace_id] = ? AND [deleted_at] IS NULL", []interface{}{workspaceID}, "[created_at]", 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Invite, 0, len(rows))
	for _, row := range rows {
		inv := inviteFromRecord(row)
		inv.Token = ""
		out = append(out, inv)
	}
	return out, nil
}

// RevokeInvite cancels a pending invite. Admin required.
func (s *Service) RevokeInvite(ctx context.Context, actorID, workspaceID, inviteID string) error {
	if err := s.requireRole(ctx, actorID, workspaceID, RoleAdmin); err != nil {
		return err
	}
	return s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rec, err := tx.GetEntity(ctx, InvitesTable, inviteID)
		if err == storage.ErrNotFound {
			return apperr.E(apperr.NotFound, "invite not found")
		}
		if err != nil {
			return err
		}
		if wsID, _ := rec["workspace_id"].(string); wsID != workspaceID || rec.Deleted() {
			return apperr.E(apperr.NotFound, "invite not found")
		}
		if status, _ := rec["status"].(string); status != InviteStatusPending {
			return apperr.E(apperr.Conflict, "invite is already %s", status)
		}
		rec["status"] = InviteStatusRevoked
		_, err = tx.SaveEntity(ctx, InvitesTable, rec, actorID)
		return err
	})
}

// AcceptInvite redeems a token for the given user. The user's email must
// match the invited address; expired, revoked and consumed tokens fail
// uniformly.
func (s *Service) AcceptInvite(ctx context.Context, userID, userEmail, token string) (*Member, error) {
	userEmail = strings.ToLower(strings.TrimSpace(userEmail))
	var member *Member
	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rows, err := tx.FindEntities(ctx, InvitesTable,
			"[token] = ? AND [deleted_at] IS NULL", []interface{}{token}, "", 1, 0)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return apperr.E(apperr.NotFound, "invite not found or no longer valid")
		}
		rec := rows[0]
		if status, _ := rec["status"].(string); status != InviteStatusPending {
			return apperr.E(apperr.NotFound, "invite not found or no longer valid")
		}
		if at, ok := rec["expires_at"].(time.Time); !ok || time.Now().After(at) {
			return apperr.E(apperr.NotFound, "invite not found or no longer valid")
		}
		if invited, _ := rec["email"].(string); invited != userEmail {
			return apperr.E(apperr.Forbidden, "invite was issued to a different email")
		}

		wsID, _ := rec["workspace_id"].(string)
		role, _ := rec["role"].(string)

		existing, err := tx.FindEntities(ctx, MembersTable,
			"[workspace_id] = ? AND [user_id] = ? AND [deleted_at] IS NULL",
			[]interface{}{wsID, userID}, "", 1, 0)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.E(apperr.Conflict, "user is already a member")
		}

		saved, err := tx.SaveEntity(ctx, MembersTable, entity.Record{
			"workspace_id": wsID,
			"user_id":      userID,
			"role":         role,
		}, userID)
		if err != nil {
			return err
		}
		member = memberFromRecord(saved)

		rec["status"] = InviteStatusAccepted
		_, err = tx.SaveEntity(ctx, InvitesTable, rec, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// newInviteToken returns 32 random bytes, URL-safe encoded.
func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "generate invite token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func inviteFromRecord(rec entity.Record) *Invite {
	inv := &Invite{ID: rec.ID()}
	inv.WorkspaceID, _ = rec["workspace_id"].(string)
	inv.Email, _ = rec["email"].(string)
	inv.Role, _ = rec["role"].(string)
	inv.Token, _ = rec["token"].(string)
	inv.Status, _ = rec["status"].(string)
	inv.InvitedBy, _ = rec["invited_by"].(string)
	if at, ok := rec["expires_at"].(time.Time); ok {
		inv.ExpiresAt = at
	}
	return inv
}
