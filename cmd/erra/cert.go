package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/erra-dev/erra/cert"
)

var certDir string

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the local root certificate",
}

var certInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new root certificate and key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := resolveCertDir()
		if err != nil {
			return err
		}
		if err := cert.GenerateRoot(dir); err != nil {
			return err
		}
		a := cert.NewAuthority(dir)
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", a.CertPath(), a.KeyPath())
		fmt.Fprintln(cmd.OutOrStdout(), "add the certificate to your trust store to intercept HTTPS")
		return nil
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the root certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := resolveCertDir()
		if err != nil {
			return err
		}
		root, err := cert.NewAuthority(dir).Root()
		if err != nil {
			var loadErr *cert.CertLoadError
			if errors.As(err, &loadErr) && errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w (run 'erra cert init')", err)
			}
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "subject:   %s\n", root.Cert.Subject)
		fmt.Fprintf(out, "not after: %s\n", root.Cert.NotAfter.Format("2006-01-02"))
		_, err = out.Write(root.CertPEM)
		return err
	},
}

func resolveCertDir() (string, error) {
	if certDir != "" {
		return certDir, nil
	}
	return cert.DefaultDir()
}

func init() {
	certCmd.PersistentFlags().StringVar(&certDir, "dir", "", "certificate directory (default ~/.erra)")
	certCmd.AddCommand(certInitCmd, certShowCmd)
	rootCmd.AddCommand(certCmd)
}
