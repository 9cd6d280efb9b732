package fastngrok

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alex-mextner/fast-ngrok/internal/config"
	"github.com/alex-mextner/fast-ngrok/pkg/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show client configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleConfig()
	},
}

func handleConfig() error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return output.PrintError("Failed to load config: " + err.Error())
	}

	output.PrintInfo("fast-ngrok client configuration")
	fmt.Println()
	fmt.Printf("  Config dir:  %s\n", config.GetConfigDir())
	fmt.Printf("  Server URL:  %s\n", cfg.ServerURL)
	if cfg.APIKey != "" {
		fmt.Printf("  API key:     %s\n", maskKey(cfg.APIKey))
	} else {
		fmt.Printf("  API key:     (not set)\n")
	}
	for port, subdomain := range cfg.PortSubdomains {
		fmt.Printf("  Port %s:     %s\n", port, subdomain)
	}
	return nil
}

func maskKey(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
