package infrastructure

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/drmfetch-go/internal/domain"
)

const (
	testKID1 = "eb676abbcb345e96bbcf616630f1a3da"
	testKey1 = "100b6c20940f779a4589152b57d2dacb"
	testKID2 = "0294b9599d755de2bbf0fdca3fa5eab7"
	testKey2 = "3bda2f40344c7def614227b9c0f03e26"
)

func setupTestVault(t *testing.T) *SQLiteKeyStore {
	t.Helper()
	store, err := NewSQLiteKeyStore(filepath.Join(t.TempDir(), "vault", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord() domain.KeyRecord {
	return domain.KeyRecord{
		LicenseURL: "https://license.example.com/widevine",
		PSSH:       "AAAAQXBzc2g=",
		DRM:        domain.DRMWidevine,
		Keys: []domain.KeyPair{
			{KID: testKID1, Key: testKey1},
			{KID: testKID2, Key: testKey2},
		},
		Label: "show s01e01",
	}
}

func TestSQLiteKeyStore_RoundTrip(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()

	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	pairs, err := store.LookupKeys(ctx, domain.KeyQuery{
		LicenseURL: "https://license.example.com/widevine",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{testKID1, testKID2},
	})
	require.NoError(t, err)

	set := domain.KIDSet(pairs)
	require.Len(t, set, 2)
	assert.Equal(t, testKey1, set[testKID1].Key)
	assert.Equal(t, testKey2, set[testKID2].Key)
	assert.Equal(t, "show s01e01", set[testKID1].Label)
}

func TestSQLiteKeyStore_ScopesDoNotMerge(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()
	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	pairs, err := store.LookupKeys(ctx, domain.KeyQuery{
		LicenseURL: "https://other-license.example.com/wv",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{testKID1},
	})
	require.NoError(t, err)
	assert.Empty(t, pairs)

	pairs, err = store.LookupKeys(ctx, domain.KeyQuery{
		LicenseURL: "https://license.example.com/widevine",
		DRM:        domain.DRMPlayReady,
		KIDs:       []string{testKID1},
	})
	require.NoError(t, err)
	assert.Empty(t, pairs)

	// Unscoped lookup ignores the license URL but keeps the DRM system.
	pairs, err = store.LookupKeys(ctx, domain.KeyQuery{
		DRM:  domain.DRMWidevine,
		KIDs: []string{testKID1},
	})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, testKey1, pairs[0].Key)
}

func TestSQLiteKeyStore_UpsertAndZeroKeys(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()
	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	record := testRecord()
	record.Keys = []domain.KeyPair{
		{KID: testKID1, Key: "ffffffffffffffffffffffffffffffff"},
		{KID: "11111111111111111111111111111111", Key: "00000000000000000000000000000000"},
	}
	require.NoError(t, store.StoreKeys(ctx, record))

	entry, err := store.FindEntry(ctx, record.LicenseURL, record.PSSH, record.DRM)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Len(t, entry.Keys, 2)

	pairs, err := store.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{testKID1}})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "ffffffffffffffffffffffffffffffff", pairs[0].Key)

	missing, err := store.FindEntry(ctx, "https://nowhere", "x", domain.DRMWidevine)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteKeyStore_InvalidateKey(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()
	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	n, err := store.InvalidateKey(ctx, testKID1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pairs, err := store.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{testKID1, testKID2}})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, testKID2, pairs[0].KID)
}

func TestSQLiteKeyStore_Stats(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()
	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	pr := testRecord()
	pr.DRM = domain.DRMPlayReady
	pr.Keys = pr.Keys[:1]
	require.NoError(t, store.StoreKeys(ctx, pr))

	_, err := store.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{testKID1}})
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CacheEntries)
	assert.Equal(t, int64(3), stats.Keys)
	assert.Equal(t, int64(3), stats.ValidKeys)
	assert.Equal(t, int64(2), stats.ByDRM[domain.DRMWidevine])
	assert.Equal(t, int64(1), stats.ByDRM[domain.DRMPlayReady])
	require.Len(t, stats.MostAccessed, 1)
	assert.Equal(t, int64(1), stats.MostAccessed[0].AccessCount)
	assert.NotNil(t, stats.MostAccessed[0].LastAccessed)
}

func TestSQLiteKeyStore_ConcurrentAccess(t *testing.T) {
	store := setupTestVault(t)
	ctx := context.Background()
	require.NoError(t, store.StoreKeys(ctx, testRecord()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{testKID1}})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.StoreKeys(ctx, testRecord()))
		}()
	}
	wg.Wait()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CacheEntries)
	assert.Equal(t, int64(2), stats.Keys)
}
