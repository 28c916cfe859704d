package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed config.example.yaml
var exampleConfig []byte

// writeExampleConfig writes the embedded example configuration to path,
// creating parent directories. An existing file is kept unless force is set.
func writeExampleConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, exampleConfig, 0644)
}
