package workspace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/entity"
	"github.com/halyard-io/halyard/internal/migrate"
	"github.com/halyard-io/halyard/internal/storage"
	"github.com/halyard-io/halyard/internal/storage/sqlite"
	"github.com/halyard-io/halyard/internal/workspace"
)

func newService(t *testing.T) *workspace.Service {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dbCfg := config.Defaults().Database
	dbCfg.PoolMin = 1
	dbCfg.PoolMax = 1
	pool, err := storage.NewPool(ctx, db, sqlite.Dialect{}, dbCfg)
	require.NoError(t, err)

	reg := entity.NewRegistry()
	for _, desc := range workspace.Descriptors() {
		reg.MustRegister(desc)
	}
	require.NoError(t, migrate.New(pool, reg, config.MigrationSettings{}, t.TempDir()).Run(ctx))

	return workspace.NewService(storage.NewStore(pool, reg))
}

func TestCreateMakesOwnerMembership(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, map[string]interface{}{"theme": "dark"})
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, "u-owner", ws.OwnerID)

	role, err := svc.GetRole(ctx, "u-owner", ws.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.RoleOwner, role)

	owner, err := svc.IsOwner(ctx, "u-owner", ws.ID)
	require.NoError(t, err)
	assert.True(t, owner)

	got, err := svc.Get(ctx, "u-owner", ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)
	assert.Equal(t, "u-owner", got.OwnerID)
	settings, ok := got.Settings.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dark", settings["theme"])
}

func TestDuplicateSlugConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.Create(ctx, "u1", "Acme", "acme", false, nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u2", "Acme Two", "acme", false, nil)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestNonMemberSeesNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "u-stranger", ws.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = svc.ListMembers(ctx, "u-stranger", ws.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestMembershipRoles(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-member", workspace.RoleMember)
	require.NoError(t, err)

	// A plain member cannot add members or patch the workspace.
	_, err = svc.AddMember(ctx, "u-member", ws.ID, "u-other", workspace.RoleMember)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	name := "Renamed"
	_, err = svc.Update(ctx, "u-member", ws.ID, workspace.UpdatePatch{Name: &name})
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	// An admin can do both.
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-admin", workspace.RoleAdmin)
	require.NoError(t, err)
	updated, err := svc.Update(ctx, "u-admin", ws.ID, workspace.UpdatePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	// Only the owner role comes from creation.
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-x", workspace.RoleOwner)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	members, err := svc.ListMembers(ctx, "u-member", ws.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestAddMemberTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-member", workspace.RoleMember)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-member", workspace.RoleMember)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-member", workspace.RoleMember)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveMember(ctx, "u-owner", ws.ID, "u-member"))
	ok, err := svc.IsMember(ctx, "u-member", ws.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// The owner cannot be removed, and a second removal is NotFound.
	err = svc.RemoveMember(ctx, "u-owner", ws.ID, "u-owner")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	err = svc.RemoveMember(ctx, "u-owner", ws.ID, "u-member")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteCascadesMembersAndInvites(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, "u-owner", ws.ID, "u-admin", workspace.RoleAdmin)
	require.NoError(t, err)
	_, err = svc.Invite(ctx, "u-owner", ws.ID, "new@example.com", workspace.RoleMember)
	require.NoError(t, err)

	// Admins cannot delete; only the owner can.
	err = svc.Delete(ctx, "u-admin", ws.ID)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	require.NoError(t, svc.Delete(ctx, "u-owner", ws.ID))

	_, err = svc.Get(ctx, "u-owner", ws.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	ok, err := svc.IsMember(ctx, "u-admin", ws.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := svc.List(ctx, "u-owner")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInviteLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)

	inv, err := svc.Invite(ctx, "u-owner", ws.ID, "New@Example.com", workspace.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", inv.Email)
	assert.NotEmpty(t, inv.Token)
	assert.Equal(t, workspace.InviteStatusPending, inv.Status)

	// The wrong email cannot redeem the token.
	_, err = svc.AcceptInvite(ctx, "u-wrong", "other@example.com", inv.Token)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	member, err := svc.AcceptInvite(ctx, "u-new", "new@example.com", inv.Token)
	require.NoError(t, err)
	assert.Equal(t, workspace.RoleMember, member.Role)

	// A consumed token is gone.
	_, err = svc.AcceptInvite(ctx, "u-new", "new@example.com", inv.Token)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	// Listed invites never expose tokens.
	invites, err := svc.ListInvites(ctx, "u-owner", ws.ID)
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Empty(t, invites[0].Token)
	assert.Equal(t, workspace.InviteStatusAccepted, invites[0].Status)
}

func TestReinviteRevokesPriorPending(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)

	first, err := svc.Invite(ctx, "u-owner", ws.ID, "new@example.com", workspace.RoleMember)
	require.NoError(t, err)
	second, err := svc.Invite(ctx, "u-owner", ws.ID, "new@example.com", workspace.RoleAdmin)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	// The replaced token no longer redeems.
	_, err = svc.AcceptInvite(ctx, "u-new", "new@example.com", first.Token)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	member, err := svc.AcceptInvite(ctx, "u-new", "new@example.com", second.Token)
	require.NoError(t, err)
	assert.Equal(t, workspace.RoleAdmin, member.Role)
}

func TestRevokeInvite(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	ws, err := svc.Create(ctx, "u-owner", "Acme", "acme", false, nil)
	require.NoError(t, err)
	inv, err := svc.Invite(ctx, "u-owner", ws.ID, "new@example.com", workspace.RoleMember)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeInvite(ctx, "u-owner", ws.ID, inv.ID))
	_, err = svc.AcceptInvite(ctx, "u-new", "new@example.com", inv.Token)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	// Revoking twice conflicts.
	err = svc.RevokeInvite(ctx, "u-owner", ws.ID, inv.ID)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}
