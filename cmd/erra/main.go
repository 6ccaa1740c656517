// erra is an intercepting HTTP(S) proxy that merges snippets into
// JSON responses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set with -ldflags at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "erra",
	Short: "erra is an intercepting proxy with snippet based response rewriting",
	Long: `erra intercepts HTTP and HTTPS traffic, terminating TLS with certificates
issued on the fly from a local root, and merges configured snippets into
matching JSON responses.

Run 'erra cert init' once, trust ~/.erra/erra.crt.pem, then 'erra serve'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to erra.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "erra:", err)
		os.Exit(1)
	}
}
