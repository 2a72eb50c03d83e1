package orconn

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responderCerts(ctx *TLSContext) *CertsCell {
	c := &CertsCell{}
	c.AddCert(CertTypeLink, ctx.LinkCert)
	c.AddCert(CertTypeIdentity, ctx.IDCert)
	return c
}

func initiatorCerts(ctx *TLSContext) *CertsCell {
	c := &CertsCell{}
	c.AddCert(CertTypeIdentity, ctx.IDCert)
	c.AddCert(CertTypeAuth, ctx.AuthCert)
	return c
}

func TestCertsCellBytes(t *testing.T) {
	c := &CertsCell{}
	c.AddCertDER(CertTypeLink, []byte{1, 2, 3})
	c.AddCertDER(CertTypeIdentity, []byte{4})
	expect := []byte{
		0, 0, 129, 0, 11,
		2,
		1, 0, 3, 1, 2, 3,
		2, 0, 1, 4,
	}
	assert.Equal(t, expect, PackVarCell(c.Cell()))
}

func TestCertsCellRoundTrip(t *testing.T) {
	ctx := newTestTLSContext(t)
	c := responderCerts(ctx)
	got, err := ParseCertsCell(c.Cell())
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, ctx.LinkCert.Raw, got.Lookup(CertTypeLink))
	assert.Nil(t, got.Lookup(CertTypeAuth))
}

func TestParseCertsCellTrailingBytesIgnored(t *testing.T) {
	cell := &VarCell{Cmd: Certs, Body: []byte{1, 3, 0, 2, 9, 9, 0xff, 0xff}}
	c, err := ParseCertsCell(cell)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, c.Lookup(CertTypeAuth))
}

func TestParseCertsCellErrors(t *testing.T) {
	cases := []struct {
		Body []byte
		Err  error
	}{
		{[]byte{}, ErrMalformedCerts},
		{[]byte{1, 1, 0, 5, 1, 2}, ErrMalformedCerts},
		{[]byte{2, 1, 0, 1, 7}, ErrMalformedCerts},
		{[]byte{2, 1, 0, 1, 7, 1, 0, 1, 8}, ErrDuplicateCert},
	}
	for _, c := range cases {
		_, err := ParseCertsCell(&VarCell{Cmd: Certs, Body: c.Body})
		assert.Equal(t, c.Err, err, "%x", c.Body)
	}
}

func TestValidateResponder(t *testing.T) {
	ctx := newTestTLSContext(t)
	k, err := responderCerts(ctx).ValidateResponder(ctx.LinkCert, time.Now())
	require.NoError(t, err)
	assert.True(t, torcrypto.RSAPublicKeysEqual(&ctx.IDKey.PublicKey, k))
}

func TestValidateResponderLinkKeyMismatch(t *testing.T) {
	ctx := newTestTLSContext(t)
	other := newTestTLSContext(t)
	_, err := responderCerts(ctx).ValidateResponder(other.LinkCert, time.Now())
	assert.Equal(t, ErrLinkKeyMismatch, err)
}

func TestValidateResponderNoPeerCertificate(t *testing.T) {
	ctx := newTestTLSContext(t)
	_, err := responderCerts(ctx).ValidateResponder(nil, time.Now())
	assert.Equal(t, ErrNoPeerCertificate, err)
}

func TestValidateResponderExpired(t *testing.T) {
	ctx := newTestTLSContext(t)
	future := time.Now().Add(3 * 365 * 24 * time.Hour)
	_, err := responderCerts(ctx).ValidateResponder(ctx.LinkCert, future)
	assert.Error(t, err)
}

func TestValidateResponderForeignLinkCert(t *testing.T) {
	ctx := newTestTLSContext(t)
	other := newTestTLSContext(t)
	c := &CertsCell{}
	c.AddCert(CertTypeLink, other.LinkCert)
	c.AddCert(CertTypeIdentity, ctx.IDCert)
	_, err := c.ValidateResponder(other.LinkCert, time.Now())
	assert.Error(t, err)
}

func TestValidateResponderMissingIdentity(t *testing.T) {
	ctx := newTestTLSContext(t)
	c := &CertsCell{}
	c.AddCert(CertTypeLink, ctx.LinkCert)
	_, err := c.ValidateResponder(ctx.LinkCert, time.Now())
	assert.EqualError(t, err, "missing certificate type 2")
}

func TestValidateInitiator(t *testing.T) {
	ctx := newTestTLSContext(t)
	id, auth, err := initiatorCerts(ctx).ValidateInitiator(time.Now())
	require.NoError(t, err)
	assert.True(t, torcrypto.RSAPublicKeysEqual(&ctx.IDKey.PublicKey, id))
	assert.True(t, torcrypto.RSAPublicKeysEqual(&ctx.AuthKey.PublicKey, auth))
}

func TestValidateInitiatorRequiresAuthCert(t *testing.T) {
	ctx := newTestTLSContext(t)
	_, _, err := responderCerts(ctx).ValidateInitiator(time.Now())
	assert.Error(t, err)
}

func TestValidateIdentityKeySize(t *testing.T) {
	k, err := torcrypto.GenerateRSAWithBits(2048)
	require.NoError(t, err)
	ctx, err := NewTLSContext(k)
	require.NoError(t, err)
	_, err = responderCerts(ctx).ValidateResponder(ctx.LinkCert, time.Now())
	assert.Equal(t, ErrIdentityKeySize, err)
}

func TestVerifyTLSChain(t *testing.T) {
	ctx := newTestTLSContext(t)
	now := time.Now()

	k, err := VerifyTLSChain([]*x509.Certificate{ctx.LinkCert, ctx.IDCert}, now)
	require.NoError(t, err)
	assert.True(t, torcrypto.RSAPublicKeysEqual(&ctx.IDKey.PublicKey, k))

	_, err = VerifyTLSChain(nil, now)
	assert.Equal(t, ErrNoPeerCertificate, err)

	_, err = VerifyTLSChain([]*x509.Certificate{ctx.LinkCert}, now)
	assert.Equal(t, ErrMissingIdentityCert, err)

	other := newTestTLSContext(t)
	_, err = VerifyTLSChain([]*x509.Certificate{ctx.LinkCert, other.IDCert}, now)
	assert.Error(t, err)
}

func TestIsV3CertificateLargeModulus(t *testing.T) {
	ctx, err := NewLegacyTLSContext(testIdentityKey(t))
	require.NoError(t, err)

	big, err := torcrypto.GenerateRSAWithBits(2048)
	require.NoError(t, err)
	crt, err := issueCertificate("www.example.net", &big.PublicKey, ctx.IDCert, ctx.IDKey, time.Hour)
	require.NoError(t, err)
	assert.True(t, IsV3Certificate(crt))
}
