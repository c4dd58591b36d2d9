package migrate_test

import (
	"testing"
	"testing/fstest"

	"github.com/jmerrifield20/providerledger/internal/migrate"
	"github.com/jmerrifield20/providerledger/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFromFile(t *testing.T) {
	v, err := migrate.VersionFromFile("001_ledger_state.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = migrate.VersionFromFile("012_x.up.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	_, err = migrate.VersionFromFile("init.sql")
	assert.Error(t, err)

	_, err = migrate.VersionFromFile("abc_init.sql")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.up.sql":    {Data: []byte("SELECT 1")},
		"002_second.up.sql":   {Data: []byte("SELECT 1")},
		"002_second.down.sql": {Data: []byte("SELECT 1")},
		"001_first.up.sql":    {Data: []byte("SELECT 1")},
		"README.md":           {Data: []byte("docs")},
	}
	got, err := migrate.List(fsys)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "001_first.up.sql", got[0].Name)
	assert.Equal(t, "002_second.up.sql", got[1].Name)
	assert.Equal(t, int64(10), got[2].Version)
}

func TestList_duplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.up.sql": {Data: []byte("SELECT 1")},
		"001_b.up.sql": {Data: []byte("SELECT 1")},
	}
	_, err := migrate.List(fsys)
	assert.Error(t, err)
}

func TestList_embedded(t *testing.T) {
	got, err := migrate.List(migrations.FS)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)
}
