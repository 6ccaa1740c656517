package cert

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/singleflight"
)

const (
	// RootCertFile and RootKeyFile are the file names of the root pair
	// inside the CA directory.
	RootCertFile = "erra.crt.pem"
	RootKeyFile  = "erra.key.pem"

	DefaultCacheSize = 500
	DefaultCacheTTL  = time.Hour
	// DefaultLeafValidity is how long issued host certificates are valid.
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// CA is what the proxy needs from a certificate authority.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

// Root is the locally trusted root certificate and its key.
type Root struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// HostCertificate is a leaf certificate issued for one host.
type HostCertificate struct {
	Host    string
	CertPEM []byte
	KeyPEM  []byte
	Leaf    *x509.Certificate
	TLS     *tls.Certificate
}

// CertLoadError reports that the root pair could not be loaded.
type CertLoadError struct {
	Path string
	Err  error
}

func (e *CertLoadError) Error() string {
	return fmt.Sprintf("load root certificate %s: %v", e.Path, e.Err)
}

func (e *CertLoadError) Unwrap() error { return e.Err }

// CertIssueError reports that a leaf could not be synthesized for Host.
type CertIssueError struct {
	Host string
	Err  error
}

func (e *CertIssueError) Error() string {
	return fmt.Sprintf("issue certificate for %q: %v", e.Host, e.Err)
}

func (e *CertIssueError) Unwrap() error { return e.Err }

// Authority loads a root pair from disk once and issues cached host
// certificates signed by it.
type Authority struct {
	dir      string
	validity time.Duration
	now      func() time.Time

	rootOnce sync.Once
	root     *Root
	rootErr  error

	cache *certCache
	group singleflight.Group
}

type Option func(*Authority)

// WithCacheSize bounds the number of cached host certificates.
func WithCacheSize(size int) Option {
	return func(a *Authority) {
		a.cache.resize(size)
	}
}

// WithTTL sets how long a cached host certificate is reused.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		a.cache.ttl = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
		a.cache.now = now
	}
}

// DefaultDir returns ~/.erra.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".erra"), nil
}

// NewAuthority returns an Authority reading its root pair from dir.
// Nothing is read until Root or Issue is first called.
func NewAuthority(dir string, opts ...Option) *Authority {
	a := &Authority{
		dir:      dir,
		validity: DefaultLeafValidity,
		now:      time.Now,
		cache:    newCertCache(DefaultCacheSize, DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authority) CertPath() string { return filepath.Join(a.dir, RootCertFile) }
func (a *Authority) KeyPath() string  { return filepath.Join(a.dir, RootKeyFile) }

// Root returns the root pair, reading it from disk on the first call.
// The outcome of the first call, success or failure, is kept forever.
func (a *Authority) Root() (*Root, error) {
	a.rootOnce.Do(func() {
		a.root, a.rootErr = loadRoot(a.CertPath(), a.KeyPath())
	})
	return a.root, a.rootErr
}

// Issue returns a certificate for host, from cache when a live entry
// exists. Concurrent misses for the same host share one issuance.
func (a *Authority) Issue(host string) (*HostCertificate, error) {
	if host == "" {
		return nil, &CertIssueError{Host: host, Err: errors.New("empty host")}
	}
	if hc, ok := a.cache.get(host); ok {
		return hc, nil
	}

	v, err := a.group.Do(host, func() (interface{}, error) {
		if hc, ok := a.cache.get(host); ok {
			return hc, nil
		}
		root, err := a.Root()
		if err != nil {
			return nil, &CertIssueError{Host: host, Err: err}
		}
		hc, err := issueLeaf(root, host, a.now(), a.validity)
		if err != nil {
			return nil, &CertIssueError{Host: host, Err: err}
		}
		a.cache.add(host, hc)
		return hc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HostCertificate), nil
}

// GetCert implements CA.
func (a *Authority) GetCert(commonName string) (*tls.Certificate, error) {
	hc, err := a.Issue(commonName)
	if err != nil {
		return nil, err
	}
	return hc.TLS, nil
}

// GetRootCA implements CA. It returns nil if the root failed to load.
func (a *Authority) GetRootCA() *x509.Certificate {
	root, err := a.Root()
	if err != nil {
		return nil
	}
	return root.Cert
}

// CachedHosts returns the number of live cache entries.
func (a *Authority) CachedHosts() int {
	return a.cache.len()
}
