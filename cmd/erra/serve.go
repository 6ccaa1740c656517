package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erra-dev/erra/internal/config"
	"github.com/erra-dev/erra/log"
	"github.com/erra-dev/erra/proxy"
	"github.com/erra-dev/erra/rewrite"
)

var serveFlags struct {
	httpPort       int
	httpsPort      int
	certDir        string
	upstream       string
	verifyUpstream bool
	sniffTLS       bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the plaintext proxy listener and the TLS terminator.

SIGHUP reloads the config file: snippets and rules are replaced, listeners
and certificates are kept.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&serveFlags.httpPort, "http-port", 0, "plaintext proxy port (default 8888)")
	f.IntVar(&serveFlags.httpsPort, "https-port", 0, "TLS terminator port (default 8889)")
	f.StringVar(&serveFlags.certDir, "cert-dir", "", "directory holding erra.crt.pem and erra.key.pem (default ~/.erra)")
	f.StringVar(&serveFlags.upstream, "upstream", "", "upstream proxy URL (http, https or socks5)")
	f.BoolVar(&serveFlags.verifyUpstream, "verify-upstream", false, "verify upstream TLS certificates")
	f.BoolVar(&serveFlags.sniffTLS, "sniff-tls", false, "route CONNECT tunnels by sniffing for TLS instead of by port")
	rootCmd.AddCommand(serveCmd)
}

func overrides(cmd *cobra.Command) config.Overrides {
	ov := config.Overrides{
		HTTPPort:  serveFlags.httpPort,
		HTTPSPort: serveFlags.httpsPort,
		CertDir:   serveFlags.certDir,
		LogLevel:  logLevel,
		LogFormat: logFormat,
		Upstream:  serveFlags.upstream,
	}
	if cmd.Flags().Changed("verify-upstream") {
		ov.VerifyUpstream = &serveFlags.verifyUpstream
	}
	if cmd.Flags().Changed("sniff-tls") {
		ov.SniffTLS = &serveFlags.sniffTLS
	}
	return ov
}

func runServe(cmd *cobra.Command, _ []string) error {
	store, err := config.NewStore(configPath, overrides(cmd))
	if err != nil {
		return err
	}
	cfg := store.Config()
	if err := log.Configure(cfg.LogLevel, cfg.LogFormat, nil); err != nil {
		return err
	}

	p, err := proxy.NewProxy(cfg.ProxyOptions())
	if err != nil {
		return err
	}
	p.Version = Version

	addon := rewrite.New(store.Registry(), cfg.Rules)
	defer addon.Close()
	addon.Install(p.Hooks())

	store.OnReload(func(c *config.Config) {
		addon.SetRules(c.Rules)
		if err := log.Configure(c.LogLevel, c.LogFormat, nil); err != nil {
			log.Warnf("keep log settings: %v", err)
		}
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if configPath == "" {
				log.Info("SIGHUP ignored, no config file")
				continue
			}
			_ = store.Reload()
		}
	}()

	log.WithFields(log.Fields{
		"version":  Version,
		"rules":    len(cfg.Rules),
		"snippets": len(cfg.Docs),
	}).Info("erra starting")
	return p.Start()
}
