package domain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// KeyPair is a content key and the key id it decrypts
type KeyPair struct {
	KID   string `json:"kid"` // lower hex, no dashes
	Key   string `json:"key"` // lower hex
	Label string `json:"label,omitempty"`
}

// String returns the kid:key form used by decrypt tools
func (k KeyPair) String() string {
	return k.KID + ":" + k.Key
}

// Bytes returns the clear key bytes
func (k KeyPair) Bytes() ([]byte, error) {
	return hex.DecodeString(k.Key)
}

// IsZero reports whether the key is missing or all zeros
func (k KeyPair) IsZero() bool {
	return strings.Trim(k.Key, "0") == ""
}

// NormalizeHex strips dashes, braces and whitespace and lower-cases a hex id
func NormalizeHex(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "{}")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToLower(s)
}

// ParseKeyPair parses a single "kid:key" pair
func ParseKeyPair(s string) (KeyPair, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return KeyPair{}, fmt.Errorf("invalid key pair %q: expected kid:key", s)
	}

	pair := KeyPair{KID: NormalizeHex(parts[0]), Key: NormalizeHex(parts[1])}
	if _, err := hex.DecodeString(pair.KID); err != nil || len(pair.KID) != 32 {
		return KeyPair{}, fmt.Errorf("invalid key id %q", parts[0])
	}
	if _, err := hex.DecodeString(pair.Key); err != nil || len(pair.Key) != 32 {
		return KeyPair{}, fmt.Errorf("invalid key %q", parts[1])
	}
	return pair, nil
}

// ParseKeyPairs parses one or more "kid:key" pairs separated by "|" or ","
func ParseKeyPairs(s string) ([]KeyPair, error) {
	var pairs []KeyPair
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		if strings.TrimSpace(field) == "" {
			continue
		}
		pair, err := ParseKeyPair(field)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// KIDSet returns the set of key ids in pairs
func KIDSet(pairs []KeyPair) map[string]KeyPair {
	set := make(map[string]KeyPair, len(pairs))
	for _, p := range pairs {
		set[p.KID] = p
	}
	return set
}

// KeyQuery is a bulk vault lookup. An empty LicenseURL makes the lookup unscoped.
type KeyQuery struct {
	LicenseURL string    `json:"license_url,omitempty"`
	DRM        DRMSystem `json:"drm_type"`
	KIDs       []string  `json:"kids"`
}

// KeyRecord is a bulk vault upsert for one protection header
type KeyRecord struct {
	LicenseURL string    `json:"license_url"`
	PSSH       string    `json:"pssh"`
	DRM        DRMSystem `json:"drm_type"`
	Keys       []KeyPair `json:"keys"`
	Label      string    `json:"label,omitempty"`
}

// KeyStore is one tier of the key vault
type KeyStore interface {
	// Name identifies the tier in logs and results
	Name() string

	// LookupKeys returns every stored key matching the query
	LookupKeys(ctx context.Context, query KeyQuery) ([]KeyPair, error)

	// StoreKeys upserts keys under (license URL, pssh, DRM system)
	StoreKeys(ctx context.Context, record KeyRecord) error
}

// CacheEntry is the vault partition for one (license URL, pssh, DRM system)
type CacheEntry struct {
	ID           uint        `json:"id" gorm:"primaryKey"`
	LicenseURL   string      `json:"license_url" gorm:"not null;uniqueIndex:idx_cache_scope"`
	PSSH         string      `json:"pssh" gorm:"type:text;not null;uniqueIndex:idx_cache_scope"`
	DRMType      DRMSystem   `json:"drm_type" gorm:"not null;uniqueIndex:idx_cache_scope;index"`
	AccessCount  int64       `json:"access_count" gorm:"default:0"`
	LastAccessed *time.Time  `json:"last_accessed,omitempty"`
	CreatedAt    time.Time   `json:"created_at" gorm:"autoCreateTime"`
	Keys         []CachedKey `json:"keys,omitempty" gorm:"foreignKey:CacheID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for CacheEntry
func (CacheEntry) TableName() string {
	return "drm_cache"
}

// CachedKey is one key stored under a cache entry
type CachedKey struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CacheID   uint      `json:"cache_id" gorm:"not null;uniqueIndex:idx_cache_kid"`
	KID       string    `json:"kid" gorm:"not null;uniqueIndex:idx_cache_kid;index"`
	Key       string    `json:"key" gorm:"not null"`
	Label     string    `json:"label,omitempty"`
	IsValid   bool      `json:"is_valid" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for CachedKey
func (CachedKey) TableName() string {
	return "drm_keys"
}

// VaultStats summarizes the local vault
type VaultStats struct {
	CacheEntries int64               `json:"cache_entries"`
	Keys         int64               `json:"keys"`
	ValidKeys    int64               `json:"valid_keys"`
	ByDRM        map[DRMSystem]int64 `json:"by_drm"`
	MostAccessed []CacheEntry        `json:"most_accessed,omitempty"`
}
