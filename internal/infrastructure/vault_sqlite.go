package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteKeyStore is the local, durable key vault tier.
// Writes are serialized; reads run concurrently.
type SQLiteKeyStore struct {
	db *gorm.DB
	mu sync.RWMutex
}

// NewSQLiteKeyStore opens (or creates) the vault database
func NewSQLiteKeyStore(dbPath string) (*SQLiteKeyStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	// WAL lets readers proceed while the single writer commits
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.CacheEntry{}, &domain.CachedKey{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteKeyStore{db: db}, nil
}

// Name identifies the tier
func (s *SQLiteKeyStore) Name() string {
	return "local"
}

type keyRow struct {
	CacheID uint
	KID     string
	Key     string
	Label   string
}

// LookupKeys returns valid keys for the requested KIDs under the query's DRM
// system, restricted to the license URL when one is given. Matching cache
// entries have their access statistics bumped.
func (s *SQLiteKeyStore) LookupKeys(ctx context.Context, query domain.KeyQuery) ([]domain.KeyPair, error) {
	if len(query.KIDs) == 0 {
		return nil, nil
	}
	kids := make([]string, 0, len(query.KIDs))
	for _, kid := range query.KIDs {
		kids = append(kids, domain.NormalizeHex(kid))
	}

	s.mu.RLock()
	q := s.db.WithContext(ctx).
		Table("drm_keys").
		Select("drm_keys.cache_id, drm_keys.kid, drm_keys.key, drm_keys.label").
		Joins("JOIN drm_cache ON drm_cache.id = drm_keys.cache_id").
		Where("drm_keys.kid IN ? AND drm_keys.is_valid = ?", kids, true)
	if query.DRM != "" {
		q = q.Where("drm_cache.drm_type = ?", query.DRM)
	}
	if query.LicenseURL != "" {
		q = q.Where("drm_cache.license_url = ?", query.LicenseURL)
	}

	var rows []keyRow
	err := q.Order("drm_keys.created_at DESC").Scan(&rows).Error
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	cacheIDs := make(map[uint]bool)
	pairs := make([]domain.KeyPair, 0, len(rows))
	for _, row := range rows {
		if seen[row.KID] {
			continue
		}
		seen[row.KID] = true
		cacheIDs[row.CacheID] = true
		pairs = append(pairs, domain.KeyPair{KID: row.KID, Key: row.Key, Label: row.Label})
	}

	if len(cacheIDs) > 0 {
		ids := make([]uint, 0, len(cacheIDs))
		for id := range cacheIDs {
			ids = append(ids, id)
		}
		if err := s.touch(ctx, ids); err != nil {
			return nil, err
		}
	}

	return pairs, nil
}

func (s *SQLiteKeyStore) touch(ctx context.Context, ids []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	return s.db.WithContext(ctx).Model(&domain.CacheEntry{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"access_count":  gorm.Expr("access_count + ?", 1),
			"last_accessed": now,
		}).Error
}

// StoreKeys upserts keys under (license URL, pssh, DRM system). All-zero keys
// are skipped.
func (s *SQLiteKeyStore) StoreKeys(ctx context.Context, record domain.KeyRecord) error {
	var keys []domain.CachedKey
	for _, pair := range record.Keys {
		if pair.IsZero() {
			continue
		}
		label := pair.Label
		if label == "" {
			label = record.Label
		}
		keys = append(keys, domain.CachedKey{
			KID:     domain.NormalizeHex(pair.KID),
			Key:     domain.NormalizeHex(pair.Key),
			Label:   label,
			IsValid: true,
		})
	}
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := domain.CacheEntry{
			LicenseURL: record.LicenseURL,
			PSSH:       record.PSSH,
			DRMType:    record.DRM,
		}
		if err := tx.Where("license_url = ? AND pssh = ? AND drm_type = ?",
			record.LicenseURL, record.PSSH, record.DRM).
			FirstOrCreate(&entry).Error; err != nil {
			return fmt.Errorf("failed to upsert cache entry: %w", err)
		}

		for i := range keys {
			keys[i].CacheID = entry.ID
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_id"}, {Name: "kid"}},
			DoUpdates: clause.AssignmentColumns([]string{"key", "label", "is_valid"}),
		}).Create(&keys).Error; err != nil {
			return fmt.Errorf("failed to upsert keys: %w", err)
		}
		return nil
	})
}

// InvalidateKey marks a stored key as unusable without deleting it
func (s *SQLiteKeyStore) InvalidateKey(ctx context.Context, kid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Model(&domain.CachedKey{}).
		Where("kid = ?", domain.NormalizeHex(kid)).
		Update("is_valid", false)
	return result.RowsAffected, result.Error
}

// FindEntry returns the cache entry with its keys, or nil when absent
func (s *SQLiteKeyStore) FindEntry(ctx context.Context, licenseURL, pssh string, drm domain.DRMSystem) (*domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry domain.CacheEntry
	err := s.db.WithContext(ctx).Preload("Keys").
		Where("license_url = ? AND pssh = ? AND drm_type = ?", licenseURL, pssh, drm).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Stats returns vault statistics
func (s *SQLiteKeyStore) Stats(ctx context.Context) (*domain.VaultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db := s.db.WithContext(ctx)
	stats := &domain.VaultStats{ByDRM: make(map[domain.DRMSystem]int64)}

	if err := db.Model(&domain.CacheEntry{}).Count(&stats.CacheEntries).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&domain.CachedKey{}).Count(&stats.Keys).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&domain.CachedKey{}).Where("is_valid = ?", true).Count(&stats.ValidKeys).Error; err != nil {
		return nil, err
	}

	drmCounts := []struct {
		DRMType domain.DRMSystem
		Count   int64
	}{}
	if err := db.Table("drm_keys").
		Select("drm_cache.drm_type as drm_type, count(*) as count").
		Joins("JOIN drm_cache ON drm_cache.id = drm_keys.cache_id").
		Group("drm_cache.drm_type").
		Scan(&drmCounts).Error; err != nil {
		return nil, err
	}
	for _, dc := range drmCounts {
		stats.ByDRM[dc.DRMType] = dc.Count
	}

	if err := db.Where("access_count > 0").
		Order("access_count DESC").
		Limit(5).
		Find(&stats.MostAccessed).Error; err != nil {
		return nil, err
	}

	return stats, nil
}

// Close closes the database connection
func (s *SQLiteKeyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
