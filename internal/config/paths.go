package config

import (
	"os"
	"path/filepath"
)

// DefaultWorkspaceRoot returns ~/.esp32fleet, creating it if absent.
func DefaultWorkspaceRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	root := filepath.Join(home, ".esp32fleet")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

// ConfigFilePath returns the workspace config's default path under root.
func ConfigFilePath(root string) string {
	return filepath.Join(root, "fleet.config.json")
}

// BoardCatalogPath returns the board profile catalog's default path under root.
func BoardCatalogPath(root string) string {
	return filepath.Join(root, "boards.yaml")
}

// InstallLogPath returns the install log's default path under root.
func InstallLogPath(root string) string {
	return filepath.Join(root, "install-log.jsonl")
}
