package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/erra-dev/erra/cert"
)

type testProxy struct {
	*Proxy
	roots *x509.CertPool
}

func (p *testProxy) proxyURL() *url.URL {
	return &url.URL{Scheme: "http", Host: p.Addr().String()}
}

func (p *testProxy) client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(p.proxyURL()),
			TLSClientConfig: &tls.Config{RootCAs: p.roots},
		},
		Timeout: 10 * time.Second,
	}
}

func listenProxy(t *testing.T, opts *Options) *testProxy {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, cert.GenerateRoot(dir))

	opts.Addr = "127.0.0.1:0"
	opts.TLSAddr = "127.0.0.1:0"
	opts.CaRootPath = dir
	p, err := NewProxy(opts)
	require.NoError(t, err)
	require.NoError(t, p.Listen())

	roots := x509.NewCertPool()
	roots.AddCert(p.GetCertificate())
	return &testProxy{Proxy: p, roots: roots}
}

func newTestProxy(t *testing.T, opts *Options) *testProxy {
	t.Helper()
	p := listenProxy(t, opts)
	go func() { _ = p.Serve() }()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewProxyMissingRoot(t *testing.T) {
	_, err := NewProxy(&Options{CaRootPath: t.TempDir()})
	var loadErr *cert.CertLoadError
	assert.True(t, errors.As(err, &loadErr))
}

func TestNewProxyDefaults(t *testing.T) {
	p, err := NewProxy(&Options{NewCaFunc: func() (cert.CA, error) {
		dir := t.TempDir()
		if err := cert.GenerateRoot(dir); err != nil {
			return nil, err
		}
		return cert.NewAuthority(dir), nil
	}})
	require.NoError(t, err)
	assert.Equal(t, ":8888", p.Opts.Addr)
	assert.Equal(t, ":8889", p.Opts.TLSAddr)
	assert.Equal(t, int64(5*1024*1024), p.Opts.StreamLargeBodies)
	assert.Equal(t, "erra.internal", p.Opts.DefaultServerName)
	assert.NotNil(t, p.Hooks())
	assert.Nil(t, p.Addr())
}

func TestForwardPlainHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	res, err := p.client().Get(upstream.URL + "/a/b?c=d")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/a/b", res.Header.Get("X-Path"))
	assert.Equal(t, "hello", string(body))
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	client := p.client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	res, err := client.Get(upstream.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/elsewhere", res.Header.Get("Location"))
}

func TestForwardRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	seen := atomic.NewString("")
	p.SetPreForwardHook(func(_ context.Context, f *Flow) error {
		seen.Store(string(f.Request.Body))
		f.Request.Body = []byte(strings.ToUpper(string(f.Request.Body)))
		return nil
	})

	res, err := p.client().Post(upstream.URL, "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "payload", seen.Load())
	assert.Equal(t, "PAYLOAD", string(body))
}

func TestPreForwardHookError(t *testing.T) {
	hits := atomic.NewInt32(0)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	p.SetPreForwardHook(func(context.Context, *Flow) error {
		return errors.New("blocked")
	})

	res, err := p.client().Get(upstream.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, string(body), diagnostic)
	assert.Contains(t, string(body), "blocked")
	assert.Zero(t, hits.Load())
}

func TestPostResponseHookRewritesBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"a":1}`)
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	p.SetPostResponseHook(func(f *Flow) error {
		assert.False(t, f.Stream)
		assert.Equal(t, `{"a":1}`, string(f.Response.Body))
		f.Response.SetBody([]byte(`{"a":1,"b":2}`))
		return nil
	})

	res, err := p.client().Get(upstream.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, `{"a":1,"b":2}`, string(body))
	assert.Equal(t, int64(len(body)), res.ContentLength)

	// removing the hook takes effect on the next request
	p.SetPostResponseHook(nil)
	res2, err := p.client().Get(upstream.URL)
	require.NoError(t, err)
	defer res2.Body.Close()
	body, _ = io.ReadAll(res2.Body)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestLargeBodyStreams(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{StreamLargeBodies: 1024})
	stream := atomic.NewBool(false)
	p.SetPostResponseHook(func(f *Flow) error {
		stream.Store(f.Stream)
		assert.True(t, f.Response.IsStream())
		assert.Nil(t, f.Response.Body)
		return nil
	})

	res, err := p.client().Get(upstream.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.True(t, stream.Load())
	assert.Equal(t, payload, string(body))
}

func TestLargeRequestKeepsResponseBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, strconv.FormatInt(n, 10))
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{StreamLargeBodies: 1024})
	seen := atomic.NewString("")
	p.SetPostResponseHook(func(f *Flow) error {
		assert.True(t, f.Stream)
		assert.False(t, f.Response.IsStream())
		seen.Store(string(f.Response.Body))
		return nil
	})

	res, err := p.client().Post(upstream.URL, "text/plain", strings.NewReader(strings.Repeat("x", 4096)))
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "4096", string(body))
	assert.Equal(t, "4096", seen.Load())
}

func TestUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newTestProxy(t, &Options{})
	res, err := p.client().Get("http://" + addr + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), diagnostic))
}

func TestDirectRequestRejected(t *testing.T) {
	p := newTestProxy(t, &Options{})
	res, err := http.Get("http://" + p.Addr().String() + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHTTPSThroughConnect(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "secure %s", r.URL.Path)
	}))
	defer upstream.Close()

	// the upstream is not on 443, so route by sniffing
	p := newTestProxy(t, &Options{SniffTLS: true})
	seen := atomic.NewString("")
	p.SetPreForwardHook(func(_ context.Context, f *Flow) error {
		seen.Store(f.Request.URL.String())
		return nil
	})

	target := "https://localhost:" + upstreamPort(t, upstream.URL) + "/x"
	res, err := p.client().Get(target)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "secure /x", string(body))
	assert.Equal(t, target, seen.Load())
	require.NotNil(t, res.TLS)
	assert.Equal(t, "localhost", res.TLS.PeerCertificates[0].Subject.CommonName)
}

func TestConnectPlainTunnel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunneled")
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	host := strings.TrimPrefix(upstream.URL, "http://")

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", host, host)
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", line)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	_, err = fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", host)
	require.NoError(t, err)
	res, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "tunneled", string(body))
}

func TestConnectLoopbackFailure(t *testing.T) {
	p := listenProxy(t, &Options{})
	go func() { _ = p.entry.serve() }()
	t.Cleanup(func() { _ = p.Close() })
	// nothing accepts on the TLS port any more
	require.NoError(t, p.terminator.ln.Close())

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	require.NoError(t, err)
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "tunnel example.com:443 via 127.0.0.1:")
}

func TestSelectPort(t *testing.T) {
	p := newTestProxy(t, &Options{})
	tn := &tunnel{proxy: p.Proxy}
	tlsPort := loopbackPort(p.TLSAddr())
	httpPort := loopbackPort(p.Addr())

	assert.Equal(t, tlsPort, tn.selectPort("example.com:443"))
	assert.Equal(t, tlsPort, tn.selectPort("example.com"))
	assert.Equal(t, httpPort, tn.selectPort("example.com:80"))
	assert.Equal(t, httpPort, tn.selectPort("example.com:8443"))
}

func TestTerminatorIssuesBySNI(t *testing.T) {
	p := newTestProxy(t, &Options{})

	conn, err := tls.Dial("tcp", p.TLSAddr().String(), &tls.Config{
		ServerName: "example.com",
		RootCAs:    p.roots,
	})
	require.NoError(t, err)
	defer conn.Close()
	leaf := conn.ConnectionState().PeerCertificates[0]
	assert.Equal(t, []string{"example.com"}, leaf.DNSNames)

	// no SNI is sent for an IP address
	conn2, err := tls.Dial("tcp", p.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn2.Close()
	assert.Equal(t, "erra.internal", conn2.ConnectionState().PeerCertificates[0].Subject.CommonName)
}

func TestWebSocketThroughConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	p := newTestProxy(t, &Options{})
	dialer := websocket.Dialer{Proxy: http.ProxyURL(p.proxyURL()), HandshakeTimeout: 5 * time.Second}
	c, _, err := dialer.Dial("ws"+strings.TrimPrefix(upstream.URL, "http")+"/echo", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
}

func TestWebSocketDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newTestProxy(t, &Options{})
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	res, err := p.client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func upstreamPort(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Port()
}
