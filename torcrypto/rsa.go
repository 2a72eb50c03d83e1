package torcrypto

import (
	"crypto"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"

	"github.com/pkg/errors"
)

// IdentityKeyBits is the modulus size of relay identity keys.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L77-L80
//
//	   For a public-key cipher, we use RSA with 1024-bit keys and a fixed
//	   exponent of 65537.  We use OAEP-MGF1 padding, with SHA-1 as its digest
//	   function.  We leave the optional "Label" parameter unset. (For OAEP
//	   padding, see ftp://ftp.rsasecurity.com/pub/pkcs/pkcs-1/pkcs-1v2-1.pdf)
//
const IdentityKeyBits = 1024

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// GenerateRSA generates an RSA key pair according to the Tor requirements.
func GenerateRSA() (*rsa.PrivateKey, error) {
	return GenerateRSAWithBits(IdentityKeyBits)
}

// GenerateRSAWithBits generates an RSA private key of the given size.
func GenerateRSAWithBits(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(cryptorand.Reader, bits)
}

// RSAPublicKeySize returns the modulus size of an RSA key.
func RSAPublicKeySize(k *rsa.PublicKey) int {
	return k.N.BitLen()
}

// RSAPublicKeysEqual returns whether two RSA public keys are equal.
func RSAPublicKeysEqual(k1, k2 *rsa.PublicKey) bool {
	return k1.E == k2.E && k1.N.Cmp(k2.N) == 0
}

// CompareRSAPublicKeys orders keys by modulus then exponent, returning -1, 0
// or +1.
func CompareRSAPublicKeys(k1, k2 *rsa.PublicKey) int {
	if c := k1.N.Cmp(k2.N); c != 0 {
		return c
	}
	switch {
	case k1.E < k2.E:
		return -1
	case k1.E > k2.E:
		return 1
	}
	return 0
}

// Fingerprint is the SHA-1 digest of k's PKCS#1 DER encoding.
//
// Reference: https://github.com/torproject/torspec/blob/8aaa36d1a062b20ca263b6ac613b77a3ba1eb113/tor-spec.txt#L116-L118
//
//	   When we refer to "the hash of a public key", unless otherwise
//	   specified, we mean the SHA-1 hash of the DER encoding of an ASN.1 RSA
//	   public key (as specified in PKCS.1).
//
func Fingerprint(k *rsa.PublicKey) []byte {
	d := sha1.Sum(PublicKeyDER(k))
	return d[:]
}

// Fingerprint256 is the SHA-256 digest of k's PKCS#1 DER encoding, as bound
// into AUTHENTICATE cells.
func Fingerprint256(k *rsa.PublicKey) []byte {
	d := sha256.Sum256(PublicKeyDER(k))
	return d[:]
}

// ErrNonRSAKey is returned when a certificate does not certify an RSA key.
var ErrNonRSAKey = errors.New("non-RSA public key")

// RSAPublicKeyFromCertificate returns the RSA key certified by cert.
func RSAPublicKeyFromCertificate(cert *x509.Certificate) (*rsa.PublicKey, error) {
	k, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNonRSAKey
	}
	return k, nil
}

// SignRSASHA256 signs data with k. This is the RSA encryption of the SHA-256
// hash of data, with PKCS#1 v1.5 padding and no DigestInfo prefix.
func SignRSASHA256(data []byte, k *rsa.PrivateKey) ([]byte, error) {
	d := sha256.Sum256(data)
	return rsa.SignPKCS1v15(nil, k, crypto.Hash(0), d[:])
}

// VerifyRSASHA256 checks a signature produced by SignRSASHA256.
func VerifyRSASHA256(data, sig []byte, k *rsa.PublicKey) error {
	d := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(k, crypto.Hash(0), d[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}
