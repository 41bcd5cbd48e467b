package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// KeyFile is the on-disk TOML layout of API keys
type KeyFile struct {
	Keys []KeyEntry `toml:"keys"`
}

// KeyEntry is one [[keys]] table
type KeyEntry struct {
	Key         string    `toml:"key"`
	Name        string    `toml:"name"`
	Permissions []string  `toml:"permissions"`
	RateLimit   int       `toml:"rate_limit,omitempty"`
	CreatedAt   time.Time `toml:"created_at,omitempty"`
	Active      *bool     `toml:"active,omitempty"`
}

// Record converts the entry; keys are active unless explicitly disabled
func (e KeyEntry) Record() APIKeyRecord {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return APIKeyRecord{
		Key:         e.Key,
		Name:        e.Name,
		Permissions: e.Permissions,
		RateLimit:   e.RateLimit,
		CreatedAt:   e.CreatedAt,
		IsActive:    active,
	}
}

// ReadKeyFile decodes a key file. A missing file is an empty key set.
func ReadKeyFile(path string) (*KeyFile, error) {
	var file KeyFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &file, nil
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return &file, nil
}

// WriteKeyFile encodes file to path, creating parent directories. The file
// is replaced atomically so a watcher never reads a partial key set.
func WriteKeyFile(path string, file *KeyFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(file); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

// KeySync reports the outcome of a key-file sync
type KeySync struct {
	Loaded  int
	Revoked int
}

// LoadKeysFile registers every key in the TOML file and returns how many were loaded
func (a *Authenticator) LoadKeysFile(path string) (int, error) {
	result, err := a.SyncKeysFile(path)
	return result.Loaded, err
}

// SyncKeysFile makes the file-managed keys match the file: entries are added
// or updated, and keys that a previous sync loaded but the file no longer
// lists are revoked. Keys registered by other means are left alone. On a
// read or parse error nothing changes.
func (a *Authenticator) SyncKeysFile(path string) (KeySync, error) {
	file, err := ReadKeyFile(path)
	if err != nil {
		return KeySync{}, err
	}

	seen := make(map[string]struct{}, len(file.Keys))
	var result KeySync

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range file.Keys {
		if entry.Key == "" {
			a.logger.Warn("Skipping key without value", "name", entry.Name, "file", path)
			continue
		}
		record := entry.Record()
		if record.RateLimit <= 0 {
			record.RateLimit = DefaultRateLimit
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		a.add(record)
		seen[entry.Key] = struct{}{}
		result.Loaded++
	}

	for key := range a.fileKeys {
		if _, ok := seen[key]; ok {
			continue
		}
		if record, ok := a.keys[key]; ok && record.IsActive {
			record.IsActive = false
			result.Revoked++
			a.logger.Info("API key revoked", "name", record.Name, "reason", "removed from key file")
		}
	}
	a.fileKeys = seen

	a.logger.Debug("Synced API keys", "file", path, "loaded", result.Loaded, "revoked", result.Revoked)
	return result, nil
}
