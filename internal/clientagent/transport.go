// transport.go implements the agent's outbound HTTP stack: a utls round
// tripper with a Chrome TLS fingerprint so the in-process execution path
// presents the same handshake a real browser worker would, plus decoding of
// the content encodings AI Studio's edge returns.
package clientagent

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	tls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// utlsRoundTripper implements http.RoundTripper using utls with a Chrome
// fingerprint. HTTP/2 client connections are cached per host.
type utlsRoundTripper struct {
	mu          sync.Mutex
	connections map[string]*http2.ClientConn
	pending     map[string]*sync.Cond
	dialer      proxy.Dialer
}

// newUtlsRoundTripper creates the round tripper with optional proxy support.
func newUtlsRoundTripper(proxyURL string) *utlsRoundTripper {
	var dialer proxy.Dialer = proxy.Direct
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Errorf("clientagent: failed to parse proxy URL %q: %v", proxyURL, err)
		} else if pDialer, errDialer := proxy.FromURL(parsed, proxy.Direct); errDialer != nil {
			log.Errorf("clientagent: failed to create proxy dialer for %q: %v", proxyURL, errDialer)
		} else {
			dialer = pDialer
		}
	}
	return &utlsRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
	}
}

// getOrCreateConnection returns a cached HTTP/2 connection or dials a new
// one. A per-host condition prevents concurrent dials to the same host.
func (t *utlsRoundTripper) getOrCreateConnection(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()
	if conn, ok := t.connections[host]; ok && conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return conn, nil
	}
	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if conn, ok2 := t.connections[host]; ok2 && conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return conn, nil
		}
	}
	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	conn, err := t.createConnection(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()
	if err != nil {
		return nil, err
	}
	t.connections[host] = conn
	return conn, nil
}

// createConnection dials and performs the utls handshake with a Chrome hello.
func (t *utlsRoundTripper) createConnection(host, addr string) (*http2.ClientConn, error) {
	rawConn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.UClient(rawConn, &tls.Config{ServerName: host}, tls.HelloChrome_Auto)
	if err = tlsConn.Handshake(); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	hostname := req.URL.Hostname()

	conn, err := t.getOrCreateConnection(hostname, addr)
	if err != nil {
		return nil, err
	}
	resp, err := conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// newAgentHTTPClient builds the outbound client for in-process execution.
// Compression is negotiated explicitly so decodeResponseBody can handle it.
func newAgentHTTPClient(proxyURL string) *http.Client {
	return &http.Client{Transport: newUtlsRoundTripper(proxyURL)}
}

// acceptedEncodings is advertised on every outbound request.
const acceptedEncodings = "gzip, br, zstd"

// decodeResponseBody wraps the response body with the decoder matching its
// Content-Encoding. Unknown encodings pass through untouched.
func decodeResponseBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: reader, closer: resp.Body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	case "zstd":
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: decoder.IOReadCloser(), closer: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

// wrappedBody pairs a decoding reader with the underlying body's closer.
type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error {
	return w.closer.Close()
}
