package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// ClientConfig holds the tunnel client configuration (server URL, API key,
// and the client-side half of the sticky-subdomain policy). The server-side
// cache is independent and authoritative on conflict.
type ClientConfig struct {
	ServerURL      string            `json:"serverUrl"`
	APIKey         string            `json:"apiKey"`
	PortSubdomains map[string]string `json:"portSubdomains,omitempty"`
}

const clientConfigFile = "client.json"

// LoadClientConfig loads client config from ~/.fast-ngrok/client.json and
// env (env overrides).
func LoadClientConfig() (*ClientConfig, error) {
	path := filepath.Join(GetConfigDir(), clientConfigFile)
	cfg := &ClientConfig{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, cfg)
	}
	if v := os.Getenv("TUNNEL_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TUNNEL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	return cfg, nil
}

// SaveClientConfig writes client config to ~/.fast-ngrok/client.json.
func SaveClientConfig(cfg *ClientConfig) error {
	dir := GetConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, clientConfigFile), data, 0600)
}

// SubdomainFor returns the remembered subdomain for a local port, or "".
func (c *ClientConfig) SubdomainFor(port int) string {
	return c.PortSubdomains[strconv.Itoa(port)]
}

// RememberSubdomain records the subdomain the server assigned for a port.
func (c *ClientConfig) RememberSubdomain(port int, subdomain string) {
	if c.PortSubdomains == nil {
		c.PortSubdomains = make(map[string]string)
	}
	c.PortSubdomains[strconv.Itoa(port)] = subdomain
}
