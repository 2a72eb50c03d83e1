package orconn

import (
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"math/rand"
	"time"

	"github.com/mmcloughlin/orconn/torcrypto"
	"github.com/pkg/errors"
)

// TLSContext holds the keys and certificates a relay presents on its links.
type TLSContext struct {
	IDKey    *rsa.PrivateKey
	IDCert   *x509.Certificate
	LinkKey  *rsa.PrivateKey
	LinkCert *x509.Certificate
	AuthKey  *rsa.PrivateKey
	AuthCert *x509.Certificate
}

// NewTLSContext builds certificates for the given identity key. The link
// certificate advertises support for the in-protocol (v3) handshake.
func NewTLSContext(idKey *rsa.PrivateKey) (*TLSContext, error) {
	// Reference: https://github.com/torproject/tor/blob/master/src/common/tortls.c#L1061-L1066
	//
	//	  nickname = crypto_random_hostname(8, 20, "www.", ".net");
	//	#ifdef DISABLE_V3_LINKPROTO_SERVERSIDE
	//	  nn2 = crypto_random_hostname(8, 20, "www.", ".net");
	//	#else
	//	  nn2 = crypto_random_hostname(8, 20, "www.", ".com");
	//	#endif
	//
	return newTLSContext(idKey, ".com")
}

// NewLegacyTLSContext builds certificates that look like those of a relay
// without v3 support, so initiators fall back to renegotiation.
func NewLegacyTLSContext(idKey *rsa.PrivateKey) (*TLSContext, error) {
	return newTLSContext(idKey, ".net")
}

func newTLSContext(idKey *rsa.PrivateKey, idSuffix string) (*TLSContext, error) {
	var err error
	ctx := &TLSContext{IDKey: idKey}

	linkCN := randomHostname(8, 20, "www.", ".net")
	idCN := randomHostname(8, 20, "www.", idSuffix)

	// Reference: https://github.com/torproject/tor/blob/master/src/common/tortls.c#L67-L68
	//
	//	/** How long do identity certificates live? (sec) */
	//	#define IDENTITY_CERT_LIFETIME  (365*24*60*60)
	//
	idLifetime := time.Duration(365*24) * time.Hour

	ctx.IDCert, err = issueCertificate(idCN, &idKey.PublicKey, nil, idKey, idLifetime)
	if err != nil {
		return nil, errors.Wrap(err, "could not create identity certificate")
	}

	// BUG(mmcloughlin): SSLKeyLifetime option ignored when generating
	// certificates.
	lifetime := generateCertificateLifetime()

	ctx.LinkKey, err = torcrypto.GenerateRSA()
	if err != nil {
		return nil, err
	}

	ctx.LinkCert, err = issueCertificate(linkCN, &ctx.LinkKey.PublicKey, ctx.IDCert, idKey, lifetime)
	if err != nil {
		return nil, errors.Wrap(err, "could not create link certificate")
	}

	ctx.AuthKey, err = torcrypto.GenerateRSA()
	if err != nil {
		return nil, err
	}

	ctx.AuthCert, err = issueCertificate(linkCN, &ctx.AuthKey.PublicKey, ctx.IDCert, idKey, lifetime)
	if err != nil {
		return nil, errors.Wrap(err, "could not create auth certificate")
	}

	return ctx, nil
}

// Certificate returns the link certificate for crypto/tls. With chain set the
// identity certificate follows it, as in the certificates-up-front (v1)
// handshake.
func (t *TLSContext) Certificate(chain bool) tls.Certificate {
	crt := tls.Certificate{
		Certificate: [][]byte{t.LinkCert.Raw},
		PrivateKey:  t.LinkKey,
		Leaf:        t.LinkCert,
	}
	if chain {
		crt.Certificate = append(crt.Certificate, t.IDCert.Raw)
	}
	return crt
}

// issueCertificate creates a certificate for pub signed by signer. A nil
// issuer makes the certificate self-signed.
func issueCertificate(cn string, pub *rsa.PublicKey, issuer *x509.Certificate, signer *rsa.PrivateKey, lifetime time.Duration) (*x509.Certificate, error) {
	serial, err := generateCertificateSerial()
	if err != nil {
		return nil, err
	}

	issued := generateCertificateIssued(time.Now(), lifetime)
	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: cn},
		NotBefore:          issued,
		NotAfter:           issued.Add(lifetime),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	if issuer == nil {
		issuer = tmpl
	}

	der, err := x509.CreateCertificate(cryptorand.Reader, tmpl, issuer, pub, signer)
	if err != nil {
		return nil, err
	}

	return x509.ParseCertificate(der)
}

// randomHostname generates a hostname starting with prefix, ending with
// suffix, and of length between min and max (inclusive).
//
// Reference: https://github.com/torproject/tor/blob/master/src/common/crypto.c#L3172-L3181
//
//	/** Generate and return a new random hostname starting with <b>prefix</b>,
//	 * ending with <b>suffix</b>, and containing no fewer than
//	 * <b>min_rand_len</b> and no more than <b>max_rand_len</b> random base32
//	 * characters. Does not check for failure.
//	 *
//	 * Clip <b>max_rand_len</b> to MAX_DNS_LABEL_SIZE.
//	 **/
//	char *
//	crypto_random_hostname(int min_rand_len, int max_rand_len, const char *prefix,
//	                       const char *suffix)
//
func randomHostname(min, max int, prefix, suffix string) string {
	// Reference: https://github.com/torproject/tor/blob/master/src/common/util_format.h#L23-L25
	//
	//	/** Characters that can appear (case-insensitively) in a base32 encoding. */
	//	#define BASE32_CHARS "abcdefghijklmnopqrstuvwxyz234567"
	//	void base32_encode(char *dest, size_t destlen, const char *src, size_t srclen);
	//
	alphabet := "abcdefghijklmnopqrstuvwxyz234567"
	n := min + rand.Intn(max-min+1)
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return prefix + string(b) + suffix
}

// generateCertificateLifetime generates a reasonable looking certificate
// lifetime.
//
// Reference: https://github.com/torproject/tor/blob/master/src/or/router.c#L702-L717
//
//	  if (!lifetime) { /* we should guess a good ssl cert lifetime */
//
//	    /* choose between 5 and 365 days, and round to the day */
//	    unsigned int five_days = 5*24*3600;
//	    unsigned int one_year = 365*24*3600;
//	    lifetime = crypto_rand_int_range(five_days, one_year);
//	    lifetime -= lifetime % (24*3600);
//
//	    if (crypto_rand_int(2)) {
//	      /* Half the time we expire at midnight, and half the time we expire
//	       * one second before midnight. (Some CAs wobble their expiry times a
//	       * bit in practice, perhaps to reduce collision attacks; see ticket
//	       * 8443 for details about observed certs in the wild.) */
//	      lifetime--;
//	    }
//	  }
//
func generateCertificateLifetime() time.Duration {
	days := 5 + rand.Intn(360)
	wobble := rand.Intn(2)
	return time.Duration(days*24)*time.Hour - time.Duration(wobble)*time.Second
}

// generateCertificateIssued computes when we pretend a certificate was
// issued, given the total lifetime of the certificate.
func generateCertificateIssued(now time.Time, lifetime time.Duration) time.Time {
	// Reference: https://github.com/torproject/tor/blob/master/src/common/tortls.c#L481-L487
	//
	//	  /* Make sure we're part-way through the certificate lifetime, rather
	//	   * than having it start right now. Don't choose quite uniformly, since
	//	   * then we might pick a time where we're about to expire. Lastly, be
	//	   * sure to start on a day boundary. */
	//	  time_t now = time(NULL);
	//	  start_time = crypto_rand_time_range(now - cert_lifetime, now) + 2*24*3600;
	//	  start_time -= start_time % (24*3600);
	//

	// BUG(mmcloughlin): certificate issued time not correctly computed
	return now.Add(-lifetime / 2)
}

// generateCertificateSerial generates a serial number for a certificate. This
// copies the convention of openssl and returns a 64-bit integer.
//
// Reference: https://github.com/torproject/tor/blob/master/src/common/tortls.c#L468-L470
//
//	  /* OpenSSL generates self-signed certificates with random 64-bit serial
//	   * numbers, so let's do that too. */
//	#define SERIAL_NUMBER_SIZE 8
//
// Reference: https://github.com/torproject/tor/blob/master/src/common/tortls.c#L502-L508
//
//	  { /* our serial number is 8 random bytes. */
//	    crypto_rand((char *)serial_tmp, sizeof(serial_tmp));
//	    if (!(serial_number = BN_bin2bn(serial_tmp, sizeof(serial_tmp), NULL)))
//	      goto error;
//	    if (!(BN_to_ASN1_INTEGER(serial_number, X509_get_serialNumber(x509))))
//	      goto error;
//	  }
//
func generateCertificateSerial() (*big.Int, error) {
	return generateCertificateSerialFromRandom(cryptorand.Reader)
}

func generateCertificateSerialFromRandom(r io.Reader) (*big.Int, error) {
	serialBytes := make([]byte, 8)
	_, err := io.ReadFull(r, serialBytes)
	if err != nil {
		return nil, err
	}
	serial := big.NewInt(0)
	return serial.SetBytes(serialBytes), nil
}
