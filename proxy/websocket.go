package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/erra-dev/erra/internal/helper"
	"github.com/erra-dev/erra/log"
)

// webSocket relays upgrade requests opaquely. Frames are not inspected.
type webSocket struct {
	proxy *Proxy
}

// relay dials the upgrade target (ws or wss), replays the upgrade
// request and splices the two connections.
func (s *webSocket) relay(res http.ResponseWriter, req *http.Request, scheme string) {
	address := helper.AddrWithDefaultPort(req.Host, scheme)
	logger := log.WithFields(log.Fields{"in": "webSocket.relay", "scheme": scheme, "target": address})

	connLabel.Set(fmt.Sprintf("[%s %s -> %s]", scheme, req.RemoteAddr, address))
	defer connLabel.Remove()

	conn, err := s.dial(req, scheme, address)
	if err != nil {
		logger.Warnf("%v", err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
		return
	}

	cconn, err := hijack(res)
	if err != nil {
		_ = conn.Close()
		logger.Errorf("hijack: %v", err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
		return
	}

	if err := writeUpgrade(conn, req); err != nil {
		_ = conn.Close()
		_ = cconn.Close()
		logErr(err)
		return
	}

	logger.Debug("relaying")
	transfer(conn, withIdleTimeout(cconn, s.proxy.Opts.TunnelIdleTimeout))
}

func (s *webSocket) dial(req *http.Request, scheme, address string) (net.Conn, error) {
	conn, err := s.proxy.getUpstreamConn(req.Context(), req, address)
	if err != nil {
		return nil, &ForwardError{URL: scheme + "://" + address, Err: err}
	}
	if scheme != "wss" {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         helper.Hostname(address),
		InsecureSkipVerify: !s.proxy.Opts.VerifyUpstream,
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(req.Context()); err != nil {
		_ = conn.Close()
		return nil, &ForwardError{URL: scheme + "://" + address, Err: err}
	}
	return tlsConn, nil
}

// writeUpgrade replays the client's upgrade request upstream in origin
// form, without the proxy-only headers.
func writeUpgrade(conn io.Writer, req *http.Request) error {
	w := bufio.NewWriter(conn)
	header := req.Header.Clone()
	header.Del("Proxy-Connection")
	header.Del("Proxy-Authorization")

	if _, err := fmt.Fprintf(w, "%sHost: %s\r\n", getRequestLine(req), req.Host); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
