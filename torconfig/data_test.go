package torconfig

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirectoryKeysMissing(t *testing.T) {
	d := NewDataDirectory(t.TempDir())
	_, err := d.Keys()
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDataDirectorySetKeys(t *testing.T) {
	d := NewDataDirectory(filepath.Join(t.TempDir(), "data"))
	k, err := GenerateKeys()
	require.NoError(t, err)

	require.NoError(t, d.SetKeys(k))
	assert.FileExists(t, filepath.Join(d.Root, "keys", "secret_id_key"))

	got, err := d.Keys()
	require.NoError(t, err)
	assert.True(t, k.Identity.Equal(got.Identity))

	other, err := GenerateKeys()
	require.NoError(t, err)
	assert.True(t, errors.Is(d.SetKeys(other), fs.ErrExist))
}

func TestDataDirectoryLoadOrGenerate(t *testing.T) {
	d := NewDataDirectory(t.TempDir())

	k1, err := d.LoadOrGenerateKeys()
	require.NoError(t, err)

	k2, err := d.LoadOrGenerateKeys()
	require.NoError(t, err)

	assert.True(t, k1.Identity.Equal(k2.Identity))
}

func TestDataDirectoryRefusesReadableKey(t *testing.T) {
	d := NewDataDirectory(t.TempDir())
	_, err := d.LoadOrGenerateKeys()
	require.NoError(t, err)
	require.NoError(t, os.Chmod(d.identityKeyPath(), 0644))

	_, err = d.LoadOrGenerateKeys()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}
