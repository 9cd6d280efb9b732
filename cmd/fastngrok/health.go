package fastngrok

import (
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alex-mextner/fast-ngrok/internal/config"
	"github.com/alex-mextner/fast-ngrok/pkg/output"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check client config and server connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleHealth()
	},
}

func handleHealth() error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return output.PrintError("Failed to load config: " + err.Error())
	}
	if cfg.ServerURL == "" {
		return output.PrintError("TUNNEL_SERVER (or client.json) must be set")
	}

	url := strings.TrimSuffix(cfg.ServerURL, "/") + "/__tunnel__/health"
	resp, err := http.Get(url)
	if err != nil {
		return output.PrintError("Cannot reach server: " + err.Error())
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return output.PrintError("Server health check returned " + resp.Status)
	}

	if cfg.APIKey != "" {
		req, _ := http.NewRequest(http.MethodGet, strings.TrimSuffix(cfg.ServerURL, "/")+"/__tunnel__/verify", nil)
		req.Header.Set("X-API-Key", cfg.APIKey)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return output.PrintError("Cannot reach server: " + err.Error())
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return output.PrintError("API key rejected (" + resp.Status + ")")
		}
	}

	if cfg.APIKey == "" {
		output.PrintSuccess("Server reachable (no API key configured, key not checked)")
		return nil
	}
	output.PrintSuccess("Server reachable and API key accepted")
	return nil
}
