package storage

import (
	"os"
	"path/filepath"
)

// PathManager resolves where chatgate keeps its local files
type PathManager struct {
	homeDir string
	baseDir string
}

// NewPathManager creates a path manager rooted at ~/.chatgate
func NewPathManager() *PathManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir is not available
		homeDir = "."
	}

	return &PathManager{
		homeDir: homeDir,
		baseDir: filepath.Join(homeDir, ".chatgate"),
	}
}

// BaseDir returns the data directory, creating it if needed
func (pm *PathManager) BaseDir() (string, error) {
	if err := os.MkdirAll(pm.baseDir, 0755); err != nil {
		return "", err
	}
	return pm.baseDir, nil
}

// MessageDatabasePath returns the default message log location
func (pm *PathManager) MessageDatabasePath() (string, error) {
	dir, err := pm.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "messages.db"), nil
}

// KeysFilePath returns the default API key file location
func (pm *PathManager) KeysFilePath() string {
	return filepath.Join(pm.baseDir, "keys.toml")
}
