package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erra-dev/erra/cert"
	"github.com/erra-dev/erra/internal/helper"
	"github.com/erra-dev/erra/log"
)

type Options struct {
	Debug             int
	Addr              string // plaintext listener, CONNECT and Upgrade included
	TLSAddr           string // TLS terminator, also the re-entry point for tunnels
	StreamLargeBodies int64  // 当请求或响应体大于此字节时，转为 stream 模式
	VerifyUpstream    bool   // verify upstream certificates; off by default
	CaRootPath        string // directory holding erra.crt.pem and erra.key.pem
	NewCaFunc         func() (cert.CA, error)
	Upstream          string
	ShutdownTimeout   time.Duration // 服务关闭超时时间

	// SniffTLS routes tunnels by peeking for a TLS handshake instead of
	// by CONNECT port.
	SniffTLS bool
	// DefaultServerName is used to issue a certificate when a client
	// sends no SNI.
	DefaultServerName string
	// TunnelIdleTimeout closes tunnels idle for this long; zero disables it.
	TunnelIdleTimeout time.Duration
	// Hooks are the pre-forward and post-response extension points.
	Hooks *Hooks
}

type Proxy struct {
	Opts      *Options
	Version   string
	errorChan chan error
	quitChan  chan os.Signal

	ca         cert.CA
	hooks      *Hooks
	entry      *entry
	terminator *terminator
	attacker   *attacker
	webSocket  *webSocket

	upstreamProxy func(req *http.Request) (*url.URL, error) // req is received by proxy.server, not client request
}

var errNotListening = errors.New("proxy: Serve called before Listen")

// proxy.server req context key
var proxyReqCtxKey = new(struct{})

const (
	defaultAddr       = ":8888"
	defaultTLSAddr    = ":8889"
	defaultServerName = "erra.internal"
)

// NewProxy loads the certificate authority and prepares both listeners.
// A root certificate that cannot be loaded is returned as an error
// here, before anything listens.
func NewProxy(opts *Options) (*Proxy, error) {
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.TLSAddr == "" {
		opts.TLSAddr = defaultTLSAddr
	}
	if opts.StreamLargeBodies <= 0 {
		opts.StreamLargeBodies = 1024 * 1024 * 5 // default: 5mb
	}
	if opts.DefaultServerName == "" {
		opts.DefaultServerName = defaultServerName
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHooks()
	}

	newCA := opts.NewCaFunc
	if newCA == nil {
		newCA = func() (cert.CA, error) { return loadAuthority(opts.CaRootPath) }
	}
	ca, err := newCA()
	if err != nil {
		return nil, err
	}

	proxy := &Proxy{
		Opts:      opts,
		Version:   "0.3.0",
		errorChan: make(chan error, 1),
		quitChan:  make(chan os.Signal, 1),
		ca:        ca,
		hooks:     opts.Hooks,
	}
	proxy.entry = newEntry(proxy)
	proxy.terminator = newTerminator(proxy)
	proxy.attacker = newAttacker(proxy)
	proxy.webSocket = &webSocket{proxy: proxy}

	return proxy, nil
}

func loadAuthority(dir string) (cert.CA, error) {
	if dir == "" {
		var err error
		if dir, err = cert.DefaultDir(); err != nil {
			return nil, err
		}
	}
	a := cert.NewAuthority(dir)
	if _, err := a.Root(); err != nil {
		return nil, err
	}
	return a, nil
}

// Start listens, serves and blocks until SIGINT/SIGTERM or a serve error.
func (proxy *Proxy) Start() error {
	// release resources
	defer func() {
		close(proxy.errorChan)
		close(proxy.quitChan)
	}()

	log.Info("Proxy is starting...")
	if err := proxy.Listen(); err != nil {
		return err
	}
	log.Infof("Proxy already listen at %v (http) and %v (https)", proxy.Addr(), proxy.TLSAddr())

	go func() {
		proxy.errorChan <- proxy.Serve()
	}()

	// wait for quit signal
	signal.Notify(proxy.quitChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(proxy.quitChan)
	select {
	case startErr := <-proxy.errorChan:
		log.Errorf("Proxy failed to serve, %v", startErr)
		return startErr
	case <-proxy.quitChan:
		log.Info("Proxy is shutting down...")
		var shutdownCtx context.Context
		if proxy.Opts.ShutdownTimeout > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), proxy.Opts.ShutdownTimeout)
			defer cancel()
			shutdownCtx = ctx
		} else {
			shutdownCtx = context.Background()
		}
		shutdownErr := proxy.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			_ = proxy.Close()
			log.Errorf("Proxy already forced shutdown, %v", shutdownErr)
			return shutdownErr
		}
		log.Info("Proxy already shutdown")
		return nil
	}
}

func (proxy *Proxy) Stop() {
	proxy.quitChan <- syscall.SIGTERM
}

// Listen binds the plaintext and TLS listeners.
func (proxy *Proxy) Listen() error {
	if err := proxy.entry.listen(); err != nil {
		return err
	}
	if err := proxy.terminator.listen(); err != nil {
		_ = proxy.entry.close()
		return err
	}
	return nil
}

// Serve serves both listeners until one of them stops.
func (proxy *Proxy) Serve() error {
	errc := make(chan error, 2)
	go func() { errc <- proxy.entry.serve() }()
	go func() { errc <- proxy.terminator.serve() }()
	err := <-errc
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (proxy *Proxy) Close() error {
	return errors.Join(proxy.entry.close(), proxy.terminator.close())
}

func (proxy *Proxy) Shutdown(ctx context.Context) error {
	return errors.Join(proxy.entry.shutdown(ctx), proxy.terminator.shutdown(ctx))
}

// Addr is the bound plaintext listener address.
func (proxy *Proxy) Addr() net.Addr {
	return proxy.entry.addr()
}

// TLSAddr is the bound TLS listener address.
func (proxy *Proxy) TLSAddr() net.Addr {
	return proxy.terminator.addr()
}

func (proxy *Proxy) GetCertificate() *x509.Certificate {
	return proxy.ca.GetRootCA()
}

func (proxy *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return proxy.ca.GetCert(commonName)
}

// Hooks returns the extension points shared with Options.Hooks.
func (proxy *Proxy) Hooks() *Hooks {
	return proxy.hooks
}

func (proxy *Proxy) SetPreForwardHook(fn PreForwardHook) {
	proxy.hooks.SetPreForwardHook(fn)
}

func (proxy *Proxy) SetPostResponseHook(fn PostResponseHook) {
	proxy.hooks.SetPostResponseHook(fn)
}

func (proxy *Proxy) SetUpstreamProxy(fn func(req *http.Request) (*url.URL, error)) {
	proxy.upstreamProxy = fn
}

func (proxy *Proxy) realUpstreamProxy() func(*http.Request) (*url.URL, error) {
	return func(cReq *http.Request) (*url.URL, error) {
		req, ok := cReq.Context().Value(proxyReqCtxKey).(*http.Request)
		if !ok {
			req = cReq
		}
		return proxy.getUpstreamProxyUrl(req)
	}
}

func (proxy *Proxy) getUpstreamProxyUrl(req *http.Request) (*url.URL, error) {
	if proxy.upstreamProxy != nil {
		return proxy.upstreamProxy(req)
	}
	if len(proxy.Opts.Upstream) > 0 {
		return url.Parse(proxy.Opts.Upstream)
	}
	cReq := &http.Request{URL: &url.URL{Scheme: "https", Host: req.Host}}
	return http.ProxyFromEnvironment(cReq)
}

// getUpstreamConn dials address, through the upstream proxy if one applies.
func (proxy *Proxy) getUpstreamConn(ctx context.Context, req *http.Request, address string) (net.Conn, error) {
	proxyUrl, err := proxy.getUpstreamProxyUrl(req)
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	if proxyUrl != nil {
		conn, err = helper.GetProxyConn(ctx, proxyUrl, address, !proxy.Opts.VerifyUpstream)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// loopbackPort returns the port of a bound listener address.
func loopbackPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return helper.Port(addr.String())
}
