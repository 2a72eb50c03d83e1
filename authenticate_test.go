package orconn

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthInputs(t *testing.T) (client, server *TLSContext, a *AuthRSASHA256TLSSecret) {
	client = newTestTLSContext(t)
	server = newTestTLSContext(t)
	a = &AuthRSASHA256TLSSecret{
		AuthKey:           client.AuthKey,
		ClientIdentityKey: &client.IDKey.PublicKey,
		ServerIdentityKey: &server.IDKey.PublicKey,
		ServerLogHash:     torcrypto.Rand(32),
		ClientLogHash:     torcrypto.Rand(32),
		ServerLinkCert:    server.LinkCert.Raw,
		TLSMasterSecret:   torcrypto.Rand(48),
		TLSClientRandom:   torcrypto.Rand(32),
		TLSServerRandom:   torcrypto.Rand(32),
	}
	return
}

func TestAuthFixedPartLayout(t *testing.T) {
	client, server, a := testAuthInputs(t)
	b, err := a.FixedPart()
	require.NoError(t, err)
	require.Len(t, b, AuthFixedPartLength)
	assert.Equal(t, 200, AuthFixedPartLength)

	cid := torcrypto.Fingerprint256(&client.IDKey.PublicKey)
	sid := torcrypto.Fingerprint256(&server.IDKey.PublicKey)
	scert := sha256.Sum256(server.LinkCert.Raw)

	mac := hmac.New(sha256.New, a.TLSMasterSecret)
	mac.Write(a.TLSClientRandom)
	mac.Write(a.TLSServerRandom)
	mac.Write([]byte("Tor V3 handshake TLS cross-certification\x00"))

	assert.Equal(t, []byte("AUTH0001"), b[:8])
	assert.Equal(t, cid, b[8:40])
	assert.Equal(t, sid, b[40:72])
	assert.Equal(t, a.ServerLogHash, b[72:104])
	assert.Equal(t, a.ClientLogHash, b[104:136])
	assert.Equal(t, scert[:], b[136:168])
	assert.Equal(t, mac.Sum(nil), b[168:200])
}

func TestAuthBody(t *testing.T) {
	_, _, a := testAuthInputs(t)
	nonce := torcrypto.Rand(16)
	b, err := a.Body(time.Unix(0x0102030405, 0), nonce)
	require.NoError(t, err)
	require.Len(t, b, AuthBodyLength)
	assert.Equal(t, 224, AuthBodyLength)
	assert.Equal(t, []byte{0, 0, 0, 1, 2, 3, 4, 5}, b[200:208])
	assert.Equal(t, nonce, b[208:])

	_, err = a.Body(time.Now(), nonce[:8])
	assert.Error(t, err)
}

func TestAuthenticateVerify(t *testing.T) {
	_, _, a := testAuthInputs(t)
	c, err := a.Cell()
	require.NoError(t, err)

	parsed, err := ParseAuthenticateCell(c)
	require.NoError(t, err)
	assert.Equal(t, AuthMethodRSASHA256TLSSecret, parsed.Method)

	// The responder recomputes without the signing key.
	server := *a
	server.AuthKey = nil
	require.NoError(t, server.Verify(parsed.Authentication, &a.AuthKey.PublicKey))
}

func TestAuthenticateVerifyMismatch(t *testing.T) {
	_, _, a := testAuthInputs(t)
	auth, err := a.Authentication(time.Now(), torcrypto.Rand(16))
	require.NoError(t, err)

	server := *a
	server.ClientLogHash = torcrypto.Rand(32)
	assert.Equal(t, ErrAuthenticatorMismatch, server.Verify(auth, &a.AuthKey.PublicKey))
}

func TestAuthenticateVerifyBadSignature(t *testing.T) {
	_, _, a := testAuthInputs(t)
	auth, err := a.Authentication(time.Now(), torcrypto.Rand(16))
	require.NoError(t, err)

	auth[AuthFixedPartLength] ^= 1
	assert.Equal(t, torcrypto.ErrBadSignature, a.Verify(auth, &a.AuthKey.PublicKey))

	other := testIdentityKey(t)
	auth[AuthFixedPartLength] ^= 1
	assert.Equal(t, torcrypto.ErrBadSignature, a.Verify(auth, &other.PublicKey))
}

func TestAuthenticateVerifyShort(t *testing.T) {
	_, _, a := testAuthInputs(t)
	assert.Equal(t, ErrAuthenticatorShort, a.Verify(make([]byte, AuthBodyLength), &a.AuthKey.PublicKey))
}

func TestAuthenticationRequiresKey(t *testing.T) {
	_, _, a := testAuthInputs(t)
	a.AuthKey = nil
	_, err := a.Authentication(time.Now(), torcrypto.Rand(16))
	assert.Error(t, err)
}

func TestParseAuthenticateCellMalformed(t *testing.T) {
	_, err := ParseAuthenticateCell(&VarCell{Cmd: Authenticate, Body: []byte{0, 1, 0, 5, 1}})
	assert.Equal(t, ErrMalformedAuthenticate, err)
}
