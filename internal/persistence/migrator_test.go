package persistence

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"HedgeVault/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNames_SortedBySuffix(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"embed.go":          {Data: []byte("package x")},
	}
	entries, err := fs.ReadDir(files, ".")
	require.NoError(t, err)

	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, migrationNames(entries, ".up.sql"))
	assert.Equal(t, []string{"000001_a.down.sql"}, migrationNames(entries, ".down.sql"))
	assert.Equal(t, "000002", extractVersion("000002_b.up.sql"))
}

func TestEmbeddedMigrations_EveryUpHasADown(t *testing.T) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	require.NoError(t, err)

	ups := migrationNames(entries, ".up.sql")
	downs := migrationNames(entries, ".down.sql")
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, extractVersion(ups[i]), extractVersion(downs[i]))
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($10, $11)", placeholders(9, 2))
}
