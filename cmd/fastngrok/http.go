package fastngrok

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alex-mextner/fast-ngrok/internal/client"
	"github.com/alex-mextner/fast-ngrok/internal/config"
	"github.com/alex-mextner/fast-ngrok/pkg/output"
)

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Expose a local HTTP server on a public subdomain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return output.PrintError(fmt.Sprintf("invalid port %q", args[0]))
		}
		subdomain, _ := cmd.Flags().GetString("subdomain")
		return runHTTP(port, subdomain)
	},
}

func init() {
	httpCmd.Flags().StringP("subdomain", "s", "", "Request a specific subdomain")
}

func runHTTP(port int, subdomain string) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return output.PrintError("Failed to load config: " + err.Error())
	}
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		return output.PrintError("TUNNEL_SERVER and TUNNEL_API_KEY (or client.json) must be set")
	}
	if subdomain == "" {
		subdomain = cfg.SubdomainFor(port)
	}

	c := client.New(client.Config{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		LocalPort: port,
		Subdomain: subdomain,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchEvents(ctx, c, cfg, port)

	if err := c.Run(ctx); err != nil {
		return output.PrintError(err.Error())
	}
	return nil
}

// watchEvents renders the client event stream as log lines and keeps the
// port -> subdomain map in client.json current.
func watchEvents(ctx context.Context, c *client.Client, cfg *config.ClientConfig, port int) {
	baseHost := serverHost(cfg.ServerURL)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.Events():
			switch e.Kind {
			case client.EventConnectionStateChanged:
				switch e.State {
				case "open":
					output.PrintSuccess(fmt.Sprintf("Tunnel open: https://%s.%s -> http://localhost:%d", e.Subdomain, baseHost, port))
					if cfg.SubdomainFor(port) != e.Subdomain {
						cfg.RememberSubdomain(port, e.Subdomain)
						_ = config.SaveClientConfig(cfg)
					}
				case "disconnected":
					output.PrintInfo("Tunnel disconnected, reconnecting...")
				}
			case client.EventRequestCompleted:
				output.PrintRequest(e.Method, e.Path, e.Class, e.Status, e.Duration)
			}
		}
	}
}

func serverHost(serverURL string) string {
	host := serverURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
