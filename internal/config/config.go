// Package config loads the erra YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/erra-dev/erra/proxy"
	"github.com/erra-dev/erra/rewrite"
	"github.com/erra-dev/erra/snippet"
)

const (
	DefaultHTTPPort  = 8888
	DefaultHTTPSPort = 8889
)

// Config is the file format. Keys absent from the file keep their
// defaults.
type Config struct {
	HTTPPort          int           `yaml:"http_port"`
	HTTPSPort         int           `yaml:"https_port"`
	CertDir           string        `yaml:"cert_dir,omitempty"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	Upstream          string        `yaml:"upstream,omitempty"`
	VerifyUpstream    bool          `yaml:"verify_upstream"`
	SniffTLS          bool          `yaml:"sniff_tls"`
	StreamLargeBodies int64         `yaml:"stream_large_bodies"`
	TunnelIdleTimeout time.Duration `yaml:"tunnel_idle_timeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty"`

	// SnippetFiles are YAML or JSON files mapping snippet ids to
	// documents, relative to the config file.
	SnippetFiles []string `yaml:"snippet_files,omitempty"`
	// Snippets are inline documents; they win over SnippetFiles.
	Snippets map[string]any `yaml:"snippets,omitempty"`
	Rules    []rewrite.Rule `yaml:"rules,omitempty"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-"`
	// Docs are all snippets, files and inline, after Load.
	Docs map[string]any `yaml:"-"`
}

// Overrides are command-line values applied over the file. Zero values
// and nil pointers leave the file's value.
type Overrides struct {
	HTTPPort       int
	HTTPSPort      int
	CertDir        string
	LogLevel       string
	LogFormat      string
	Upstream       string
	VerifyUpstream *bool
	SniffTLS       *bool
}

// ConfigError is a config file that could not be read or parsed.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func DefaultConfig() *Config {
	return &Config{
		HTTPPort:          DefaultHTTPPort,
		HTTPSPort:         DefaultHTTPSPort,
		LogLevel:          "info",
		LogFormat:         "text",
		StreamLargeBodies: 5 * 1024 * 1024,
		Docs:              map[string]any{},
	}
}

// Load reads path (if not empty) over the defaults, loads the snippet
// files, applies ov and validates the result.
func Load(path string, ov Overrides) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		if err := decodeStrict(data, cfg); err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		cfg.Path = path
	}

	docs, err := cfg.loadSnippets()
	if err != nil {
		return nil, err
	}
	cfg.Docs = docs

	cfg.apply(ov)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) loadSnippets() (map[string]any, error) {
	docs := map[string]any{}
	for _, file := range c.SnippetFiles {
		p := file
		if !filepath.IsAbs(p) && c.Path != "" {
			p = filepath.Join(filepath.Dir(c.Path), p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &ConfigError{Path: p, Err: err}
		}
		// JSON is a subset of YAML
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, &ConfigError{Path: p, Err: err}
		}
		for id, doc := range m {
			docs[id] = doc
		}
	}
	for id, doc := range c.Snippets {
		docs[id] = doc
	}
	return docs, nil
}

func (c *Config) apply(ov Overrides) {
	if ov.HTTPPort != 0 {
		c.HTTPPort = ov.HTTPPort
	}
	if ov.HTTPSPort != 0 {
		c.HTTPSPort = ov.HTTPSPort
	}
	if ov.CertDir != "" {
		c.CertDir = ov.CertDir
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.LogFormat != "" {
		c.LogFormat = ov.LogFormat
	}
	if ov.Upstream != "" {
		c.Upstream = ov.Upstream
	}
	if ov.VerifyUpstream != nil {
		c.VerifyUpstream = *ov.VerifyUpstream
	}
	if ov.SniffTLS != nil {
		c.SniffTLS = *ov.SniffTLS
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port %d is out of range (1-65535)", c.HTTPPort))
	}
	if c.HTTPSPort < 1 || c.HTTPSPort > 65535 {
		errs = append(errs, fmt.Errorf("https_port %d is out of range (1-65535)", c.HTTPSPort))
	}
	if c.HTTPPort == c.HTTPSPort {
		errs = append(errs, fmt.Errorf("http_port and https_port are both %d", c.HTTPPort))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("upstream: %w", err))
		case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5":
			errs = append(errs, fmt.Errorf("upstream scheme %q must be http, https or socks5", u.Scheme))
		}
	}
	if c.StreamLargeBodies < 0 {
		errs = append(errs, fmt.Errorf("stream_large_bodies %d is negative", c.StreamLargeBodies))
	}
	for i, r := range c.Rules {
		if r.Match == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: match is empty", i))
		}
		if _, ok := c.Docs[r.Snippet]; !ok {
			errs = append(errs, fmt.Errorf("rules[%d]: unknown snippet %q", i, r.Snippet))
		}
	}
	return errors.Join(errs...)
}

// ProxyOptions translates the config into proxy options.
func (c *Config) ProxyOptions() *proxy.Options {
	return &proxy.Options{
		Addr:              fmt.Sprintf(":%d", c.HTTPPort),
		TLSAddr:           fmt.Sprintf(":%d", c.HTTPSPort),
		StreamLargeBodies: c.StreamLargeBodies,
		VerifyUpstream:    c.VerifyUpstream,
		CaRootPath:        c.CertDir,
		Upstream:          c.Upstream,
		ShutdownTimeout:   c.ShutdownTimeout,
		SniffTLS:          c.SniffTLS,
		TunnelIdleTimeout: c.TunnelIdleTimeout,
	}
}

// Registry returns a snippet registry holding the config's snippets.
func (c *Config) Registry() *snippet.Registry {
	return snippet.NewRegistry(c.Docs)
}
