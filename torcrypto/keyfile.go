package torcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// KeyFileMode is the most permissive mode a private key file may have.
const KeyFileMode os.FileMode = 0600

const privateKeyBlockType = "RSA PRIVATE KEY"

// Errors decoding key material.
var (
	ErrNoPEMBlock      = errors.New("no PEM block found")
	ErrUnexpectedPEM   = errors.New("unexpected PEM block type")
	ErrKeyFileReadable = errors.New("private key file is accessible by other users")
)

// PublicKeyDER is the PKCS#1 DER encoding of k, the form Tor hashes to
// identify a relay.
func PublicKeyDER(k *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(k)
}

// EncodePrivateKey returns k as a PKCS#1 PEM block.
func EncodePrivateKey(k *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
}

// DecodePrivateKey parses the first PEM block of b as a PKCS#1 private key.
func DecodePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if block.Type != privateKeyBlockType {
		return nil, errors.Wrapf(ErrUnexpectedPEM, "got %q", block.Type)
	}
	k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse private key")
	}
	return k, nil
}

// ReadPrivateKeyFile loads a PEM private key from filename. Files with a mode
// looser than KeyFileMode are refused.
func ReadPrivateKeyFile(filename string) (*rsa.PrivateKey, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&^KeyFileMode != 0 {
		return nil, errors.Wrapf(ErrKeyFileReadable, "%s has mode %04o", filename, perm)
	}

	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "could not read key file")
	}
	return DecodePrivateKey(b)
}

// WritePrivateKeyFile stores k at filename with mode KeyFileMode. An existing
// file is never overwritten.
func WritePrivateKeyFile(k *rsa.PrivateKey, filename string) (err error) {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, KeyFileMode)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	_, err = f.Write(EncodePrivateKey(k))
	return err
}
