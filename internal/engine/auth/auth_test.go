package auth_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/db"
	"afu9/internal/engine/auth"
	"afu9/internal/migrate"
	"afu9/internal/repo"
)

func TestPolicyAuthorize(t *testing.T) {
	open := auth.Policy{}
	assert.NoError(t, open.Authorize("alice", nil, "merge"))
	assert.Error(t, open.Authorize("", nil, "merge"))

	p := auth.Policy{OperatorGroups: []string{"afu9-operators"}}
	assert.NoError(t, p.Authorize("alice", []string{"dev", "AFU9-Operators"}, "merge"))
	err := p.Authorize("bob", []string{"dev"}, "merge")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "merge", fe.Operation)
	assert.Equal(t, "bob", fe.Actor)
}

func TestKeysLifecycle(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	keys := auth.Keys{Repo: repo.Repo{DB: conn}}
	plain, key, err := keys.Create(ctx, "ci-bot", []string{" ops ", "", "afu9-operators"}, "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, "afu9_"))
	assert.Equal(t, []string{"afu9-operators", "ops"}, key.Groups)
	assert.NotContains(t, key.KeyHash, plain)

	got, err := keys.Authenticate(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", got.Actor)
	assert.Equal(t, key.Groups, got.Groups)

	_, err = keys.Authenticate(ctx, "afu9_wrong")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := keys.List(ctx, "ci-bot")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, keys.Revoke(ctx, key.ID))
	_, err = keys.Authenticate(ctx, plain)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, keys.Revoke(ctx, key.ID), repo.ErrNotFound)
}
