package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/erra-dev/erra/internal/helper"
	"github.com/erra-dev/erra/log"
)

// TunnelState is the lifecycle of one CONNECT tunnel.
type TunnelState int

const (
	AwaitingConnect TunnelState = iota
	PortSelected
	Tunneling
	Closed
)

func (s TunnelState) String() string {
	switch s {
	case AwaitingConnect:
		return "awaiting-connect"
	case PortSelected:
		return "port-selected"
	case Tunneling:
		return "tunneling"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("TunnelState(%d)", int(s))
	}
}

const diagnostic = "erra: please check that the target service and the proxy are working."

type tunnel struct {
	proxy  *Proxy
	target string
	state  TunnelState
	logger log.Logger
}

func (t *tunnel) transition(next TunnelState) {
	t.logger.Debugf("tunnel %s -> %s", t.state, next)
	t.state = next
}

// tunnel answers a CONNECT by splicing the client to one of our own
// listeners over loopback, so the tunneled bytes are handled as if the
// client had connected there directly.
func (proxy *Proxy) tunnel(res http.ResponseWriter, req *http.Request) {
	t := &tunnel{
		proxy:  proxy,
		target: req.Host,
		state:  AwaitingConnect,
		logger: log.WithFields(log.Fields{"in": "tunnel", "client": req.RemoteAddr, "target": req.Host}),
	}

	connLabel.Set(fmt.Sprintf("[tunnel %s -> %s]", req.RemoteAddr, req.Host))
	defer connLabel.Remove()

	if proxy.Opts.SniffTLS {
		t.sniffAndSplice(res, req)
	} else {
		t.splice(res, req)
	}
	t.transition(Closed)
}

// selectPort picks the TLS terminator for port 443 and the plaintext
// listener for everything else.
func (t *tunnel) selectPort(target string) int {
	if helper.Port(helper.AddrWithDefaultPort(target, "https")) == 443 {
		return loopbackPort(t.proxy.TLSAddr())
	}
	return loopbackPort(t.proxy.Addr())
}

func (t *tunnel) dial(port int) (net.Conn, error) {
	local := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.Dial("tcp", local)
	if err != nil {
		return nil, &TunnelConnectError{Target: t.target, Local: local, Err: err}
	}
	return conn, nil
}

func (t *tunnel) splice(res http.ResponseWriter, req *http.Request) {
	port := t.selectPort(req.Host)
	t.transition(PortSelected)

	conn, err := t.dial(port)
	if err != nil {
		logErr(err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
		return
	}

	cconn, err := hijack(res)
	if err != nil {
		_ = conn.Close()
		log.Errorf("hijack: %v", err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
		return
	}

	if _, err := io.WriteString(cconn, connectEstablished(req)); err != nil {
		_ = cconn.Close()
		_ = conn.Close()
		logErr(err)
		return
	}

	t.transition(Tunneling)
	transfer(t.withIdle(conn), t.withIdle(cconn))
}

// sniffAndSplice answers 200 before choosing a listener, then routes by
// whether the client opens with a TLS handshake.
func (t *tunnel) sniffAndSplice(res http.ResponseWriter, req *http.Request) {
	cconn, err := hijack(res)
	if err != nil {
		log.Errorf("hijack: %v", err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
		return
	}
	if _, err := io.WriteString(cconn, connectEstablished(req)); err != nil {
		_ = cconn.Close()
		logErr(err)
		return
	}

	peek, err := cconn.(*bufferedConn).Peek(3)
	if err != nil {
		_ = cconn.Close()
		logErr(err)
		return
	}
	port := loopbackPort(t.proxy.Addr())
	if isTLSHandshake(peek) {
		port = loopbackPort(t.proxy.TLSAddr())
	}
	t.transition(PortSelected)

	conn, err := t.dial(port)
	if err != nil {
		_ = cconn.Close()
		logErr(err)
		return
	}

	t.transition(Tunneling)
	transfer(t.withIdle(conn), t.withIdle(cconn))
}

func (t *tunnel) withIdle(c net.Conn) net.Conn {
	return withIdleTimeout(c, t.proxy.Opts.TunnelIdleTimeout)
}

func connectEstablished(req *http.Request) string {
	return fmt.Sprintf("HTTP/%d.%d 200 OK\r\n\r\n", req.ProtoMajor, req.ProtoMinor)
}
