package config

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

var configDir string

func init() {
	home, _ := homedir.Dir()
	configDir = filepath.Join(home, ".fast-ngrok")
}

// GetConfigDir returns the client config directory
func GetConfigDir() string {
	return configDir
}
