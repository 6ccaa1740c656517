package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/erra-dev/erra/log"
)

// terminator is the TLS listener. Each handshake gets a certificate
// issued for the client's SNI name; the decrypted requests are forwarded
// like plaintext ones with scheme https.
type terminator struct {
	proxy  *Proxy
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

func newTerminator(proxy *Proxy) *terminator {
	t := &terminator{proxy: proxy}
	t.server = &http.Server{
		Addr:    proxy.Opts.TLSAddr,
		Handler: t,
		TLSConfig: &tls.Config{
			GetCertificate: t.getCertificate,
		},
		ErrorLog: log.StdLogger("terminator"),
	}
	if err := http2.ConfigureServer(t.server, &http2.Server{}); err != nil {
		log.Warnf("http2 disabled on tls listener: %v", err)
	}
	return t
}

func (t *terminator) getCertificate(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := chi.ServerName
	if name == "" {
		name = t.proxy.Opts.DefaultServerName
	}
	c, err := t.proxy.ca.GetCert(name)
	if err != nil {
		log.Warnf("issue certificate for %s: %v", name, err)
		return nil, err
	}
	return c, nil
}

func (t *terminator) listen() error {
	ln, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	return nil
}

func (t *terminator) serve() error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return errNotListening
	}
	log.Infof("TLS listen at %v", ln.Addr())
	return t.server.ServeTLS(ln, "", "")
}

func (t *terminator) addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *terminator) close() error {
	return t.server.Close()
}

func (t *terminator) shutdown(ctx context.Context) error {
	return t.server.Shutdown(ctx)
}

func (t *terminator) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if isUpgrade(req) {
		log.Debugf("upgrade %s to %s", req.Host, upgradeProtocol(req))
		t.proxy.webSocket.relay(res, req, "wss")
		return
	}
	t.proxy.attacker.attack(res, req, "https")
}
