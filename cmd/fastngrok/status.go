package fastngrok

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alex-mextner/fast-ngrok/internal/config"
	"github.com/alex-mextner/fast-ngrok/pkg/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active tunnels on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return runStatus(format)
	},
}

func init() {
	statusCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
}

func runStatus(format string) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return output.PrintError("Failed to load config: " + err.Error())
	}
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		return output.PrintError("TUNNEL_SERVER and TUNNEL_API_KEY (or client.json) must be set")
	}

	url := strings.TrimSuffix(cfg.ServerURL, "/") + "/__tunnel__/status"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", cfg.APIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return output.PrintError("Cannot reach server: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return output.PrintError(fmt.Sprintf("Server returned %s", resp.Status))
	}

	var st output.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return output.PrintError("Invalid status response: " + err.Error())
	}
	output.PrintStatus(&st, format)
	return nil
}
