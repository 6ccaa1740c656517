package proxy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/erra-dev/erra/internal/helper"
	"github.com/erra-dev/erra/log"
)

// entry is the plaintext listener. It serves forward-proxy requests,
// CONNECT tunnels and websocket upgrades.
type entry struct {
	proxy  *Proxy
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

func newEntry(proxy *Proxy) *entry {
	e := &entry{proxy: proxy}
	e.server = &http.Server{
		Addr:     proxy.Opts.Addr,
		Handler:  e,
		ErrorLog: log.StdLogger("entry"),
	}
	return e
}

func (e *entry) listen() error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()
	return nil
}

func (e *entry) serve() error {
	e.mu.Lock()
	ln := e.ln
	e.mu.Unlock()
	if ln == nil {
		return errNotListening
	}
	log.Infof("Listen at %v", ln.Addr())
	return e.server.Serve(ln)
}

func (e *entry) addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy

	// proxy via connect tunnel
	if req.Method == http.MethodConnect {
		proxy.tunnel(res, req)
		return
	}

	if isUpgrade(req) {
		log.Debugf("upgrade %s to %s", req.Host, upgradeProtocol(req))
		proxy.webSocket.relay(res, req, "ws")
		return
	}

	// origin-form requests arrive through port-80 tunnels; one aimed at
	// the proxy itself would loop
	if !req.URL.IsAbs() && e.isSelf(req.Host) {
		httpError(res, "erra: this is a proxy server, requests must use an absolute URL", http.StatusBadRequest)
		return
	}

	// http proxy
	proxy.attacker.attack(res, req, "http")
}

func (e *entry) isSelf(host string) bool {
	addr := e.addr()
	if addr == nil {
		return false
	}
	h, port := helper.SplitHostPort(host)
	if port == "" {
		port = "80"
	}
	if port != strconv.Itoa(loopbackPort(addr)) {
		return false
	}
	switch h {
	case "", "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}
