package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, DeriveNodeID(id.PublicKey), id.NodeID)
	assert.False(t, id.NodeID.IsZero())

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, id.NodeID, other.NodeID)
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	payload := []byte("attest me")
	sig := id.Sign(payload)
	assert.True(t, Verify(id.PublicKey, payload, sig))
	assert.False(t, Verify(id.PublicKey, []byte("tampered"), sig))

	t.Run("WrongKey", func(t *testing.T) {
		other, err := Generate()
		require.NoError(t, err)
		assert.False(t, Verify(other.PublicKey, payload, sig))
	})

	t.Run("MalformedKey", func(t *testing.T) {
		assert.False(t, Verify([]byte("short"), payload, sig))
	})
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.yaml")
	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID, loaded.NodeID)
	assert.Equal(t, id.PublicKey, loaded.PublicKey)
	assert.Equal(t, id.PrivateKey, loaded.PrivateKey)

	t.Run("CorruptFile", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("private_key: nothex"), 0o600))
		_, err := Load(bad)
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	// The second call must load the persisted identity, not mint a new
	// one.
	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
}
