package proxy

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/mmcloughlin/orconn/buf"
	"github.com/mmcloughlin/orconn/torconfig"
	"github.com/pkg/errors"
)

// maxHTTPResponseHeader bounds how much we buffer waiting for the end of the
// proxy's response headers.
const maxHTTPResponseHeader = 8192

// Errors from the HTTP CONNECT handshake.
var (
	ErrHTTPResponseTooLarge = errors.New("http proxy response headers too large")
	ErrHTTPMalformed        = errors.New("malformed http proxy response")
)

var headerEnd = []byte("\r\n\r\n")

type httpConnect struct {
	target        netip.AddrPort
	authenticator string
}

// NewHTTPConnect builds a client that tunnels to target with an HTTP CONNECT
// request. A non-empty authenticator ("user:pass") is sent as Basic
// credentials.
func NewHTTPConnect(target netip.AddrPort, authenticator string) Client {
	return &httpConnect{
		target:        target,
		authenticator: authenticator,
	}
}

func (h *httpConnect) Start() ([]byte, error) {
	addr := h.target.String()
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.0\r\n", addr)
	fmt.Fprintf(&b, "Host: %s\r\n", addr)
	if h.authenticator != "" {
		enc := base64.StdEncoding.EncodeToString([]byte(h.authenticator))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", enc)
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

func (h *httpConnect) Step(in *buf.Buffer) ([]byte, bool, error) {
	i := bytes.Index(in.Bytes(), headerEnd)
	if i < 0 {
		if in.Len() > maxHTTPResponseHeader {
			return nil, false, ErrHTTPResponseTooLarge
		}
		return nil, false, nil
	}

	head := string(in.Drain(i + len(headerEnd)))
	code, reason, err := parseStatusLine(head)
	if err != nil {
		return nil, false, err
	}
	if code != 200 {
		return nil, false, &ReplyError{Type: torconfig.ProxyHTTPS, Code: code, Msg: reason}
	}

	return nil, true, nil
}

// parseStatusLine extracts the status code and reason from the first line of
// an HTTP response.
func parseStatusLine(head string) (int, string, error) {
	line := head
	if i := strings.Index(head, "\r\n"); i >= 0 {
		line = head[:i]
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, "", ErrHTTPMalformed
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 {
		return 0, "", ErrHTTPMalformed
	}

	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}
