package torconfig

import (
	"crypto/rsa"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
)

// Keys are the long-term keys of a node.
type Keys struct {
	Identity *rsa.PrivateKey
}

// GenerateKeys creates a fresh identity key.
func GenerateKeys() (*Keys, error) {
	id, err := torcrypto.GenerateRSA()
	if err != nil {
		return nil, errors.Wrap(err, "could not generate identity key")
	}
	return &Keys{Identity: id}, nil
}

// Data is persistent node state.
type Data interface {
	LoadOrGenerateKeys() (*Keys, error)
}

// DataDirectory keeps node state in a directory laid out like tor's
// DataDirectory, so existing identity keys can be reused.
type DataDirectory struct {
	Root string
}

// NewDataDirectory returns the data directory rooted at root.
func NewDataDirectory(root string) *DataDirectory {
	return &DataDirectory{Root: root}
}

func (d *DataDirectory) identityKeyPath() string {
	return filepath.Join(d.Root, "keys", "secret_id_key")
}

// Keys reads the stored keys.
func (d *DataDirectory) Keys() (*Keys, error) {
	id, err := torcrypto.ReadPrivateKeyFile(d.identityKeyPath())
	if err != nil {
		return nil, errors.Wrap(err, "could not load identity key")
	}
	return &Keys{Identity: id}, nil
}

// SetKeys stores k. Keys already on disk are never replaced.
func (d *DataDirectory) SetKeys(k *Keys) error {
	path := d.identityKeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "could not create keys directory")
	}
	return torcrypto.WritePrivateKeyFile(k.Identity, path)
}

// LoadOrGenerateKeys returns the stored keys, generating and storing them on
// first use.
func (d *DataDirectory) LoadOrGenerateKeys() (*Keys, error) {
	k, err := d.Keys()
	if !errors.Is(err, fs.ErrNotExist) {
		return k, err
	}

	k, err = GenerateKeys()
	if err != nil {
		return nil, err
	}
	if err := d.SetKeys(k); err != nil {
		return nil, err
	}
	return k, nil
}
