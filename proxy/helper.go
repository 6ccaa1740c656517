package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/timandy/routine"
	"golang.org/x/net/http/httpguts"

	"github.com/erra-dev/erra/log"
)

// connLabel names the connection a goroutine works for; splice
// goroutines inherit it so their log lines stay attributable.
var connLabel = routine.NewInheritableThreadLocal[string]()

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"context canceled",
}

// logErr logs expected network errors at debug and the rest at error.
func logErr(err error) (loged bool) {
	if err == nil {
		return
	}
	msg := err.Error()
	prefix := connLabel.Get()

	for _, str := range normalErrMsgs {
		if strings.Contains(msg, str) {
			log.Debugf("%s %v", prefix, err)
			return
		}
	}

	log.Errorf("%s %v", prefix, err)
	loged = true
	return
}

// transfer splices server and client until either side ends, then
// closes both.
func transfer(server, client io.ReadWriteCloser) {
	errChan := make(chan error, 2)
	copyAndClose := func(dst, src io.ReadWriteCloser, dir string) {
		_, err := io.Copy(dst, src)
		log.Debugf("%s %s copy end: %v", connLabel.Get(), dir, err)
		_ = server.Close()
		_ = client.Close()
		errChan <- err
	}

	// 客户端<--代理<--服务端
	routine.Go(func() { copyAndClose(client, server, "server->client") })
	// 客户端-->代理-->服务端
	routine.Go(func() { copyAndClose(server, client, "client->server") })

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logErr(err)
		}
	}
}

// bufferedConn reads through r, which holds bytes the HTTP server
// buffered before the connection was hijacked.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// idleConn pushes its deadline forward on every read and write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func withIdleTimeout(c net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return c
	}
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

func hijack(res http.ResponseWriter) (net.Conn, error) {
	hijacker, ok := res.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("hijacking not supported by %T", res)
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	return &bufferedConn{Conn: conn, r: brw.Reader}, nil
}

// httpError writes a text/plain error response.
func httpError(w http.ResponseWriter, error string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, error)
}

// hopHeaders are removed when copying headers between legs.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	// headers named by Connection are hop-by-hop too
	var listed []string
	for _, v := range src["Connection"] {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				listed = append(listed, http.CanonicalHeaderKey(f))
			}
		}
	}
	for key, values := range src {
		if isHopHeader(key) || contains(listed, key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	return contains(hopHeaders, http.CanonicalHeaderKey(key))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isUpgrade reports whether req asks to switch protocols.
func isUpgrade(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade")
}

// upgradeProtocol names the protocol an upgrade switches to: "websocket"
// for a well-formed WebSocket handshake, otherwise the first Upgrade token
// lowercased.
func upgradeProtocol(req *http.Request) string {
	if websocket.IsWebSocketUpgrade(req) {
		return "websocket"
	}
	proto, _, _ := strings.Cut(req.Header.Get("Upgrade"), ",")
	return strings.ToLower(strings.TrimSpace(proto))
}

// readerToBuffer reads r fully if it is shorter than limit. Otherwise
// it returns a nil buffer and a reader yielding the whole stream.
func readerToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := bytes.NewBuffer(make([]byte, 0))
	lr := io.LimitReader(r, limit)

	_, err := io.Copy(buf, lr)
	if err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewBuffer(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}

// 组合请求行
func getRequestLine(req *http.Request) string {
	return fmt.Sprintf("%v %v %v\r\n", req.Method, req.URL.RequestURI(), req.Proto)
}

func isTLSHandshake(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x04
}
