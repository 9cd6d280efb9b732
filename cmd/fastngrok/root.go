package fastngrok

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/alex-mextner/fast-ngrok/cmd/fastngrok.version=..."
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "fast-ngrok",
	Short:   "Self-hosted HTTP/WebSocket reverse tunnel",
	Long:    `fast-ngrok runs a tunnel server (fast-ngrok serve) and clients expose local HTTP servers on public subdomains (fast-ngrok http <port>).`,
	Version: version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
}
