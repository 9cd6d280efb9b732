package fastngrok

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/alex-mextner/fast-ngrok/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tunnel server",
	Long:  `Start the tunnel server. Clients connect over a control WebSocket; public traffic is dispatched by subdomain.`,
	RunE:  runServe,
}

func init() {
	home, _ := homedir.Dir()
	dataDirDefault := home + "/.fast-ngrok-server"

	serveCmd.Flags().String("api-key", "", "Pre-shared key clients must present (or API_KEY)")
	serveCmd.Flags().String("base-domain", "", "Wildcard base domain, e.g. tunnel.example.com (or BASE_DOMAIN)")
	serveCmd.Flags().Int("port", 0, "Listen port (or TUNNEL_PORT; default 3100)")
	serveCmd.Flags().String("data-dir", dataDirDefault, "Directory for the subdomain cache")
}

func runServe(cmd *cobra.Command, args []string) error {
	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("API_KEY")
	}
	baseDomain, _ := cmd.Flags().GetString("base-domain")
	if baseDomain == "" {
		baseDomain = os.Getenv("BASE_DOMAIN")
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		if v := os.Getenv("TUNNEL_PORT"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("TUNNEL_PORT: %w", err)
			}
			port = p
		}
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")

	if apiKey == "" {
		return fmt.Errorf("api-key is required (--api-key or API_KEY)")
	}
	if baseDomain == "" {
		return fmt.Errorf("base-domain is required (--base-domain or BASE_DOMAIN)")
	}

	srv, err := server.New(server.Config{
		APIKey:        apiKey,
		BaseDomain:    baseDomain,
		Port:          port,
		DataDir:       dataDir,
		CaddyAdminURL: os.Getenv("CADDY_ADMIN_URL"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if port == 0 {
		port = 3100
	}
	log.Printf("[tunnel] server starting on :%d for *.%s", port, baseDomain)
	return srv.Run(ctx)
}
