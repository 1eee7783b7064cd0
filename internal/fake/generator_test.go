package fake

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/masterlist/internal/identity"
	"github.com/woozymasta/masterlist/internal/storage"
)

func TestGenerateData(t *testing.T) {
	repo, err := storage.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	written, err := GenerateData(context.Background(), repo, 1200)
	require.NoError(t, err)
	assert.Equal(t, 1200, written)

	active, err := repo.ActiveServers(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, active)
	assert.LessOrEqual(t, len(active), 1200)

	for _, s := range active {
		assert.Equal(t, identity.Of(s.Address), s.ID)
		assert.True(t, s.Address.Port.Valid())
		assert.LessOrEqual(t, s.CurrentPlayers, s.MaxPlayers)
		assert.NotEmpty(t, s.Name)
	}
}
