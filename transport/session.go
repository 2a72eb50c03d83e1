package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"
	"strings"
	"sync"

	"github.com/mmcloughlin/orconn"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/crypto/cryptobyte"
)

// TLS wire constants needed to find the server random.
const (
	recordTypeHandshake = 22
	typeServerHello     = 2
	randomLength        = 32

	// maxRecordedHandshake bounds how much of the handshake is kept while
	// looking for the ServerHello.
	maxRecordedHandshake = 64 * 1024
)

// Errors extracting TLS secrets.
var (
	ErrNoServerHello  = errors.New("no server hello seen")
	ErrNoMasterSecret = errors.New("master secret not logged")
	ErrMalformedHello = errors.New("malformed server hello")
)

// session is a completed TLS handshake.
type session struct {
	peer    []*x509.Certificate
	secrets *orconn.TLSSecrets
	err     error
}

func (s *session) PeerCertificates() []*x509.Certificate { return s.peer }
func (s *session) Secrets() (*orconn.TLSSecrets, error)  { return s.secrets, s.err }

// UsedV1Handshake reports whether the peer sent its identity certificate
// along with its link certificate, as link protocol 1 peers do.
func (s *session) UsedV1Handshake() bool { return len(s.peer) > 1 }

// newSession collects what the link handshake needs from a completed TLS
// connection.
func newSession(tc *tls.Conn, rec *recorder, kl *keyLog) *session {
	s := &session{
		peer: tc.ConnectionState().PeerCertificates,
	}
	s.secrets, s.err = extractSecrets(rec.Bytes(), kl)
	return s
}

func extractSecrets(handshake []byte, kl *keyLog) (*orconn.TLSSecrets, error) {
	serverRandom, err := serverHelloRandom(handshake)
	if err != nil {
		return nil, err
	}
	clientRandom, master, ok := kl.Secret()
	if !ok {
		return nil, ErrNoMasterSecret
	}
	return &orconn.TLSSecrets{
		ClientRandom: clientRandom,
		ServerRandom: serverRandom,
		MasterSecret: master,
	}, nil
}

// serverHelloRandom finds the ServerHello in raw TLS records and returns its
// random.
func serverHelloRandom(records []byte) ([]byte, error) {
	var msgs []byte
	s := cryptobyte.String(records)
	for !s.Empty() {
		var typ uint8
		var version uint16
		var fragment cryptobyte.String
		if !s.ReadUint8(&typ) || !s.ReadUint16(&version) || !s.ReadUint16LengthPrefixed(&fragment) {
			break
		}
		if typ == recordTypeHandshake {
			msgs = append(msgs, fragment...)
		}
	}

	m := cryptobyte.String(msgs)
	for !m.Empty() {
		var typ uint8
		var body cryptobyte.String
		if !m.ReadUint8(&typ) || !m.ReadUint24LengthPrefixed(&body) {
			break
		}
		if typ != typeServerHello {
			continue
		}
		var version uint16
		var random []byte
		if !body.ReadUint16(&version) || !body.ReadBytes(&random, randomLength) {
			return nil, ErrMalformedHello
		}
		return append([]byte{}, random...), nil
	}
	return nil, ErrNoServerHello
}

// keyLog captures the NSS key log line crypto/tls writes for a TLS 1.2
// session.
type keyLog struct {
	mu     sync.Mutex
	client []byte
	master []byte
}

func (k *keyLog) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(p))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[0] != "CLIENT_RANDOM" {
			continue
		}
		client, err := hex.DecodeString(fields[1])
		if err != nil {
			return 0, errors.Wrap(err, "bad client random in key log")
		}
		master, err := hex.DecodeString(fields[2])
		if err != nil {
			return 0, errors.Wrap(err, "bad master secret in key log")
		}
		k.mu.Lock()
		k.client, k.master = client, master
		k.mu.Unlock()
	}
	return len(p), nil
}

// Secret returns the logged client random and master secret.
func (k *keyLog) Secret() (client, master []byte, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.client, k.master, k.master != nil
}

// recorder wraps a connection and keeps a copy of the handshake bytes flowing
// in one direction until stopped.
type recorder struct {
	net.Conn
	reads bool

	mu      sync.Mutex
	buf     bytes.Buffer
	stopped *atomic.Bool
}

func newRecorder(c net.Conn, reads bool) *recorder {
	return &recorder{
		Conn:    c,
		reads:   reads,
		stopped: atomic.NewBool(false),
	}
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.Conn.Read(p)
	if r.reads {
		r.record(p[:n])
	}
	return n, err
}

func (r *recorder) Write(p []byte) (int, error) {
	n, err := r.Conn.Write(p)
	if !r.reads {
		r.record(p[:n])
	}
	return n, err
}

func (r *recorder) record(p []byte) {
	if r.stopped.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf.Len()+len(p) > maxRecordedHandshake {
		r.stopped.Store(true)
		return
	}
	r.buf.Write(p)
}

// Stop ends recording.
func (r *recorder) Stop() { r.stopped.Store(true) }

// Bytes returns the recorded data.
func (r *recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte{}, r.buf.Bytes()...)
}
