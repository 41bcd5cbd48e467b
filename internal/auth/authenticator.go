package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Permissions granted to API keys
const (
	PermissionChat  = "chat"
	PermissionRead  = "read"
	PermissionAdmin = "admin"
)

// DefaultRateLimit applies to keys that do not set their own
const DefaultRateLimit = 100

const keyPrefix = "cg_"

// APIKeyRecord is a registered API key
type APIKeyRecord struct {
	Key         string
	Name        string
	Permissions []string
	RateLimit   int
	CreatedAt   time.Time
	LastUsedAt  time.Time
	IsActive    bool
}

// KeyInfo is the caller-facing view of a key. The raw key is never serialized.
type KeyInfo struct {
	Key         string     `json:"-"`
	MaskedKey   string     `json:"key"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rateLimit"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	IsActive    bool       `json:"isActive"`
}

// HasPermission reports whether the key grants perm. Admin keys grant everything.
func (k *KeyInfo) HasPermission(perm string) bool {
	return slices.Contains(k.Permissions, perm) || slices.Contains(k.Permissions, PermissionAdmin)
}

// Authenticator validates API keys
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]*APIKeyRecord

	// fileKeys are the keys the last key-file sync registered
	fileKeys map[string]struct{}

	logger *log.Logger
}

// NewAuthenticator creates an authenticator with the given keys
func NewAuthenticator(logger *log.Logger, records ...APIKeyRecord) *Authenticator {
	if logger == nil {
		logger = log.Default().WithPrefix("auth")
	}
	a := &Authenticator{
		keys:     make(map[string]*APIKeyRecord),
		fileKeys: make(map[string]struct{}),
		logger:   logger,
	}
	for _, record := range records {
		a.Add(record)
	}
	return a
}

// Validate returns the key's metadata and records its use, or nil when the
// key is empty, unknown or inactive.
func (a *Authenticator) Validate(key string) *KeyInfo {
	if key == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok || !record.IsActive {
		return nil
	}
	record.LastUsedAt = time.Now()
	return record.info()
}

// Add registers or replaces a key
func (a *Authenticator) Add(record APIKeyRecord) {
	if record.RateLimit <= 0 {
		record.RateLimit = DefaultRateLimit
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Permissions = slices.Clone(record.Permissions)

	a.mu.Lock()
	a.add(record)
	a.mu.Unlock()
}

// add replaces the record, keeping the last-use time of a key it updates
func (a *Authenticator) add(record APIKeyRecord) {
	if existing, ok := a.keys[record.Key]; ok && record.LastUsedAt.IsZero() {
		record.LastUsedAt = existing.LastUsedAt
	}
	a.keys[record.Key] = &record
}

// Revoke deactivates a key. It reports false for unknown keys.
func (a *Authenticator) Revoke(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, ok := a.keys[key]
	if !ok {
		return false
	}
	record.IsActive = false
	a.logger.Info("API key revoked", "name", record.Name)
	return true
}

// List returns every key with the key material masked, sorted by name
func (a *Authenticator) List() []KeyInfo {
	a.mu.RLock()
	infos := make([]KeyInfo, 0, len(a.keys))
	for _, record := range a.keys {
		infos = append(infos, *record.info())
	}
	a.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of registered keys
func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

func (r *APIKeyRecord) info() *KeyInfo {
	info := &KeyInfo{
		Key:         r.Key,
		MaskedKey:   MaskKey(r.Key),
		Name:        r.Name,
		Permissions: slices.Clone(r.Permissions),
		RateLimit:   r.RateLimit,
		CreatedAt:   r.CreatedAt,
		IsActive:    r.IsActive,
	}
	if !r.LastUsedAt.IsZero() {
		lastUsed := r.LastUsedAt
		info.LastUsedAt = &lastUsed
	}
	return info
}

// GenerateKey creates a new random API key
func GenerateKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(bytes), nil
}

// MaskKey hides all but the start and end of a key
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
