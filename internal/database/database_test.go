package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	require.Positive(t, up)
	require.Equal(t, up, down)

	body, err := fs.ReadFile(migrationsFS, "migrations/000001_create_cards.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "issuer.cards")
	require.Contains(t, string(body), "pan_hash")
	require.NotContains(t, string(body), "cvv")
}

func TestMigrate_InvalidDSN(t *testing.T) {
	_, err := Migrate("not-a-url")
	require.Error(t, err)
}
