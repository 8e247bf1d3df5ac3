// Package workspace implements the multi-tenant workspace layer:
// workspaces, memberships with roles, and email invites. It also answers
// the membership checks the transport guards ask.
package workspace

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/storage"
)

const (
	Table        = "workspaces"
	MembersTable = "workspace_members"
	InvitesTable = "workspace_invites"
)

// Member roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// roleRank orders roles for "at least" checks. Unknown roles rank lowest.
func roleRank(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Descriptors declares the workspace entity family. The members pair
// (workspace_id, user_id) is unique per live rows; the service enforces
// it because a DDL index cannot exclude soft-deleted rows.
func Descriptors() []entity.Descriptor {
	return []entity.Descriptor{
		{
			Table: Table,
			Fields: []entity.Field{
				{Name: "name", Type: entity.TypeString},
				{Name: "slug", Type: entity.TypeString, Unique: true},
				{Name: "owner_id", Type: entity.TypeString, Indexed: true},
				{Name: "is_personal", Type: entity.TypeBool, Default: "false"},
				{Name: "settings", Type: entity.TypeJSON, Nullable: true},
			},
			KeepHistory: true,
		},
		{
			Table: MembersTable,
			Fields: []entity.Field{
				{Name: "workspace_id", Type: entity.TypeString, Indexed: true},
				{Name: "user_id", Type: entity.TypeString, Indexed: true},
				{Name: "role", Type: entity.TypeString, Default: RoleMember},
			},
		},
		{
			Table: InvitesTable,
			Fields: []entity.Field{
				{Name: "workspace_id", Type: entity.TypeString, Indexed: true},
				{Name: "email", Type: entity.TypeString, Indexed: true},
				{Name: "role", Type: entity.TypeString, Default: RoleMember},
				{Name: "token", Type: entity.TypeString, Unique: true},
				{Name: "status", Type: entity.TypeString, Default: InviteStatusPending},
				{Name: "expires_at", Type: entity.TypeTime},
				{Name: "invited_by", Type: entity.TypeString},
			},
		},
	}
}

// Workspace is the tenant container.
type Workspace struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Slug       string      `json:"slug"`
	OwnerID    string      `json:"owner_id"`
	IsPersonal bool        `json:"is_personal"`
	Settings   interface{} `json:"settings,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Member is one user's membership.
type Member struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Service owns the workspace entity family.
type Service struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewService(store *storage.Store) *Service {
	return &Service{store: store, log: logging.Component("workspace")}
}

// Create makes a workspace with the creator as its owner, in one
// transaction. A duplicate slug is a Conflict.
func (s *Service) Create(ctx context.Context, ownerID, name, slug string, personal bool, settings interface{}) (*Workspace, error) {
	if name == "" || slug == "" {
		return nil, apperr.E(apperr.Validation, "name and slug are required")
	}
	var ws *Workspace
	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rec, err := tx.SaveEntity(ctx, Table, entity.Record{
			"name":        name,
			"slug":        slug,
			"owner_id":    ownerID,
			"is_personal": personal,
			"settings":    settings,
		}, ownerID)
		if err != nil {
			return err
		}
		ws = workspaceFromRecord(rec)
		_, err = tx.SaveEntity(ctx, MembersTable, entity.Record{
			"workspace_id": ws.ID,
			"user_id":      ownerID,
			"role":         RoleOwner,
		}, ownerID)
		return err
	})
	if err != nil {
		if s.store.IsConflict(err) {
			return nil, apperr.E(apperr.Conflict, "slug %s is already taken", slug)
		}
		return nil, err
	}
	s.log.Info().Str("workspace_id", ws.ID).Str("slug", slug).Msg("workspace created")
	return ws, nil
}

// Get returns a workspace the user is a member of. Non-members get
// NotFound so existence never leaks.
func (s *Service) Get(ctx context.Context, userID, workspaceID string) (*Workspace, error) {
	if err := s.requireRole(ctx, userID, workspaceID, RoleMember); err != nil {
		return nil, err
	}
	rec, err := s.liveWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return workspaceFromRecord(rec), nil
}

// List returns the user's workspaces.
func (s *Service) List(ctx context.Context, userID string) ([]*Workspace, error) {
	members, err := s.store.FindEntities(ctx, MembersTable,
		"[user_id] = ? AND [deleted_at] IS NULL", []interface{}{userID}, "[created_at]", 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if wsID, ok := m["workspace_id"].(string); ok {
			ids = append(ids, wsID)
		}
	}
	recs, err := s.store.GetEntities(ctx, Table, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Workspace, 0, len(recs))
	for _, rec := range recs {
		if rec.Deleted() {
			continue
		}
		out = append(out, workspaceFromRecord(rec))
	}
	return out, nil
}

// UpdatePatch carries the mutable workspace fields.
type UpdatePatch struct {
	Name     *string     `json:"name,omitempty"`
	Settings interface{} `json:"settings,omitempty"`
}

// Update patches a workspace. Requires the admin role.
func (s *Service) Update(ctx context.Context, userID, workspaceID string, patch UpdatePatch) (*Workspace, error) {
	if err := s.requireRole(ctx, userID, workspaceID, RoleAdmin); err != nil {
		return nil, err
	}
	var ws *Workspace
	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rec, err := tx.GetEntity(ctx, Table, workspaceID)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			rec["name"] = *patch.Name
		}
		if patch.Settings != nil {
			rec["settings"] = patch.Settings
		}
		saved, err := tx.SaveEntity(ctx, Table, rec, userID)
		if err != nil {
			return err
		}
		ws = workspaceFromRecord(saved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Delete soft-deletes a workspace and cascades over its members and
// invites in the same transaction. Owner only.
func (s *Service) Delete(ctx context.Context, userID, workspaceID string) error {
	if err := s.requireRole(ctx, userID, workspaceID, RoleOwner); err != nil {
		return err
	}
	return s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if err := tx.SoftDelete(ctx, Table, workspaceID, userID); err != nil {
			return err
		}
		for _, table := range []string{MembersTable, InvitesTable} {
			rows, err := tx.FindEntities(ctx, table,
				"[workspace_id] = ? AND [deleted_at] IS NULL", []interface{}{workspaceID}, "", 0, 0)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := tx.SoftDelete(ctx, table, row.ID(), userID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// AddMember adds a user with the admin or member role. Owners exist only
// through workspace creation.
func (s *Service) AddMember(ctx context.Context, actorID, workspaceID, userID, role string) (*Member, error) {
	if role != RoleAdmin && role != RoleMember {
		return nil, apperr.E(apperr.Validation, "role must be %s or %s", RoleAdmin, RoleMember)
	}
	if err := s.requireRole(ctx, actorID, workspaceID, RoleAdmin); err != nil {
		return nil, err
	}
	var member *Member
	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		existing, err := tx.FindEntities(ctx, MembersTable,
			"[workspace_id] = ? AND [user_id] = ? AND [deleted_at] IS NULL",
			[]interface{}{workspaceID, userID}, "", 1, 0)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return apperr.E(apperr.Conflict, "user is already a member")
		}
		rec, err := tx.SaveEntity(ctx, MembersTable, entity.Record{
			"workspace_id": workspaceID,
			"user_id":      userID,
			"role":         role,
		}, actorID)
		if err != nil {
			return err
		}
		member = memberFromRecord(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember drops a membership. Admin required; the owner cannot be
// removed.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if err := s.requireRole(ctx, actorID, workspaceID, RoleAdmin); err != nil {
		return err
	}
	return s.store.RunInTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		rows, err := tx.FindEntities(ctx, MembersTable,
			"[workspace_id] = ? AND [user_id] = ? AND [deleted_at] IS NULL",
			[]interface{}{workspaceID, userID}, "", 1, 0)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return apperr.E(apperr.NotFound, "membership not found")
		}
		if role, _ := rows[0]["role"].(string); role == RoleOwner {
			return apperr.E(apperr.Validation, "the owner cannot be removed")
		}
		return tx.SoftDelete(ctx, MembersTable, rows[0].ID(), actorID)
	})
}

// ListMembers returns live memberships. Any member may look.
func (s *Service) ListMembers(ctx context.Context, userID, workspaceID string) ([]*Member, error) {
	if err := s.requireRole(ctx, userID, workspaceID, RoleMember); err != nil {
		return nil, err
	}
	rows, err := s.store.FindEntities(ctx, MembersTable,
		"[workspace_id] = ? AND [deleted_at] IS NULL", []interface{}{workspaceID}, "[created_at]", 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Member, 0, len(rows))
	for _, row := range rows {
		out = append(out, memberFromRecord(row))
	}
	return out, nil
}

// --- membership checks ---

func (s *Service) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	role, err := s.GetRole(ctx, userID, workspaceID)
	return role != "", err
}

func (s *Service) IsOwner(ctx context.Context, userID, workspaceID string) (bool, error) {
	role, err := s.GetRole(ctx, userID, workspaceID)
	return role == RoleOwner, err
}

func (s *Service) GetRole(ctx context.Context, userID, workspaceID string) (string, error) {
	rows, err := s.store.FindEntities(ctx, MembersTable,
		"[workspace_id] = ? AND [user_id] = ? AND [deleted_at] IS NULL",
		[]interface{}{workspaceID, userID}, "", 1, 0)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	role, _ := rows[0]["role"].(string)
	return role, nil
}

// requireRole enforces the guard contract: non-members get NotFound so
// the workspace's existence never leaks; members below the needed role
// get Forbidden.
func (s *Service) requireRole(ctx context.Context, userID, workspaceID, need string) error {
	role, err := s.GetRole(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if role == "" {
		return apperr.E(apperr.NotFound, "workspace not found")
	}
	if roleRank(role) < roleRank(need) {
		return apperr.E(apperr.Forbidden, "requires the %s role", need)
	}
	return nil
}

func (s *Service) liveWorkspace(ctx context.Context, id string) (entity.Record, error) {
	rec, err := s.store.GetEntity(ctx, Table, id)
	if err == storage.ErrNotFound {
		return nil, apperr.E(apperr.NotFound, "workspace not found")
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, apperr.E(apperr.NotFound, "workspace not found")
	}
	return rec, nil
}

func workspaceFromRecord(rec entity.Record) *Workspace {
	ws := &Workspace{ID: rec.ID()}
	ws.Name, _ = rec["name"].(string)
	ws.Slug, _ = rec["slug"].(string)
	ws.OwnerID, _ = rec["owner_id"].(string)
	ws.IsPersonal, _ = rec["is_personal"].(bool)
	ws.Settings = rec["settings"]
	if at, ok := rec["created_at"].(time.Time); ok {
		ws.CreatedAt = at
	}
	return ws
}

func memberFromRecord(rec entity.Record) *Member {
	m := &Member{ID: rec.ID()}
	m.WorkspaceID, _ = rec["workspace_id"].(string)
	m.UserID, _ = rec["user_id"].(string)
	m.Role, _ = rec["role"].(string)
	if at, ok := rec["created_at"].(time.Time); ok {
		m.JoinedAt = at
	}
	return m
}
