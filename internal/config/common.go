package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultInstanceID names this controller in metrics when nothing is configured
func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("flowping-%d", os.Getpid())
}

// writeConfigFile writes a config template, creating its directory if needed
func writeConfigFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
