package auth_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hipswatch/internal/auth"
)

func TestToken_UsableAt(t *testing.T) {
	t.Parallel()

	exp := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	tok := &auth.Token{Value: "v", ExpiresAt: exp}
	margin := 5 * time.Minute

	assert.True(t, tok.UsableAt(exp.Add(-6*time.Minute), margin))
	assert.False(t, tok.UsableAt(exp.Add(-5*time.Minute), margin))
	assert.False(t, tok.UsableAt(exp.Add(time.Minute), margin))

	var missing *auth.Token
	assert.False(t, missing.UsableAt(exp.Add(-time.Hour), margin))
	assert.False(t, (&auth.Token{ExpiresAt: exp}).UsableAt(exp.Add(-time.Hour), margin))
}

func TestFileTokenStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := auth.NewFileTokenStore(path)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	want := auth.Token{Value: "abc", ExpiresAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), RefreshValue: "r"}
	require.NoError(t, store.Save(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, want.Value, loaded.Value)
	assert.True(t, want.ExpiresAt.Equal(loaded.ExpiresAt))
	assert.Equal(t, want.RefreshValue, loaded.RefreshValue)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestFileTokenStore_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := auth.NewFileTokenStore(path).Load()
	assert.Error(t, err)
}
