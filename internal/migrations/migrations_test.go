package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/migrations"
	"github.com/koopa0/shortlink/internal/testutils"
)

func tableExists(t *testing.T, env *testutils.TestEnvironment, name string) bool {
	t.Helper()

	var exists bool
	err := env.PostgresPool.QueryRow(context.Background(),
		"SELECT to_regclass($1) IS NOT NULL", "public."+name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigrator_UpDown(t *testing.T) {
	// SetupPostgres 已經執行過 Up
	env := testutils.SetupPostgres(t)

	m, err := migrations.Open(env.PostgresDSN, env.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// 再跑一次不會有變化
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, tableExists(t, env, "link_stats"))
	assert.True(t, tableExists(t, env, "links"))

	require.NoError(t, m.Up())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.True(t, tableExists(t, env, "link_stats"))
}
