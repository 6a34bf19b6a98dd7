package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/ffmpeg-jobs/pkg/tls"
)

var (
	certFile  string
	keyFile   string
	certHost  string
	certSANs  []string
	certValid time.Duration
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "TLS certificate helpers",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a self-signed certificate for serve --tls-cert/--tls-key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tlsutil.GenerateSelfSigned(certFile, keyFile, certHost, certValid, certSANs...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s for %s (valid %s)\n", certFile, keyFile, certHost, certValid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certGenerateCmd)

	certGenerateCmd.Flags().StringVar(&certFile, "cert", "server.crt", "certificate output file")
	certGenerateCmd.Flags().StringVar(&keyFile, "key", "server.key", "private key output file")
	certGenerateCmd.Flags().StringVar(&certHost, "host", "localhost", "certificate common name")
	certGenerateCmd.Flags().StringSliceVar(&certSANs, "san", nil, "additional DNS names or IP addresses")
	certGenerateCmd.Flags().DurationVar(&certValid, "valid-for", tlsutil.DefaultValidity, "certificate lifetime")
}
