package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
)

const (
	kidA = "eb676abbcb345e96bbcf616630f1a3da"
	keyA = "100b6c20940f779a4589152b57d2dacb"
	kidB = "0294b9599d755de2bbf0fdca3fa5eab7"
	keyB = "3bda2f40344c7def614227b9c0f03e26"
)

// memStore is an in-memory KeyStore tier
type memStore struct {
	name     string
	mu       sync.Mutex
	records  []domain.KeyRecord
	lookups  []domain.KeyQuery
	storeErr error
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) LookupKeys(ctx context.Context, q domain.KeyQuery) ([]domain.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, q)

	want := make(map[string]bool)
	for _, kid := range q.KIDs {
		want[kid] = true
	}
	var out []domain.KeyPair
	for _, r := range m.records {
		if r.DRM != q.DRM || (q.LicenseURL != "" && r.LicenseURL != q.LicenseURL) {
			continue
		}
		for _, k := range r.Keys {
			if want[k.KID] {
				out = append(out, k)
			}
		}
	}
	return out, nil
}

func (m *memStore) StoreKeys(ctx context.Context, r domain.KeyRecord) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func TestBaseLicenseURL(t *testing.T) {
	tests := map[string]string{
		"https://lic.example.com/widevine?token=abc&ts=1": "https://lic.example.com/widevine",
		"https://lic.example.com/widevine/#frag":          "https://lic.example.com/widevine",
		"https://lic.example.com/":                        "https://lic.example.com",
		"":                                                "",
		"lic-endpoint?x=1":                                "lic-endpoint",
	}
	for in, want := range tests {
		assert.Equal(t, want, BaseLicenseURL(in), in)
	}
}

func TestKeyVault_ScopedThenUnscoped(t *testing.T) {
	local := &memStore{name: "local"}
	local.records = []domain.KeyRecord{{
		LicenseURL: "https://other.example.com/lic",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}},
	}}

	vault := NewKeyVault([]domain.KeyStore{local}, true, nil)
	hit, err := vault.Lookup(context.Background(), domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv?token=1",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{"EB676ABB-CB34-5E96-BBCF-616630F1A3DA"},
	})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Unscoped)
	assert.Equal(t, "local", hit.Tier)
	assert.Equal(t, []domain.KeyPair{{KID: kidA, Key: keyA}}, hit.Keys)

	require.Len(t, local.lookups, 2)
	assert.Equal(t, "https://lic.example.com/wv", local.lookups[0].LicenseURL)
	assert.Equal(t, "", local.lookups[1].LicenseURL)

	strict := NewKeyVault([]domain.KeyStore{local}, false, nil)
	hit, err = strict.Lookup(context.Background(), domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{kidA},
	})
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestKeyVault_PartialHitIsAMiss(t *testing.T) {
	local := &memStore{name: "local", records: []domain.KeyRecord{{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}},
	}}}

	hit, err := NewKeyVault([]domain.KeyStore{local}, true, nil).Lookup(context.Background(), domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{kidA, kidB},
	})
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestKeyVault_SupersetTrimmedToRequest(t *testing.T) {
	remote := &memStore{name: "remote", records: []domain.KeyRecord{{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}, {KID: kidB, Key: keyB}},
	}}}
	local := &memStore{name: "local"}

	hit, err := NewKeyVault([]domain.KeyStore{local, remote}, true, nil).Lookup(context.Background(), domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{kidB},
	})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "remote", hit.Tier)
	assert.False(t, hit.Unscoped)
	assert.Equal(t, []domain.KeyPair{{KID: kidB, Key: keyB}}, hit.Keys)
}

func TestKeyVault_StoreAggregatesTierErrors(t *testing.T) {
	local := &memStore{name: "local"}
	broken := &memStore{name: "remote", storeErr: errors.New("connection refused")}
	vault := NewKeyVault([]domain.KeyStore{local, broken}, true, nil)

	err := vault.Store(context.Background(), domain.KeyRecord{
		LicenseURL: "https://lic.example.com/wv?session=9",
		PSSH:       "AAAA",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote tier")

	require.Len(t, local.records, 1)
	assert.Equal(t, "https://lic.example.com/wv", local.records[0].LicenseURL)
}

func TestKeyVault_SQLiteRoundTrip(t *testing.T) {
	store, err := infrastructure.NewSQLiteKeyStore(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)

	vault := NewKeyVault([]domain.KeyStore{store}, true, nil)
	defer vault.Close()

	ctx := context.Background()
	require.NoError(t, vault.Store(ctx, domain.KeyRecord{
		LicenseURL: "https://lic.example.com/wv?token=first",
		PSSH:       "pssh-a",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}, {KID: kidB, Key: keyB}},
	}))

	hit, err := vault.Lookup(ctx, domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv?token=second",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{kidA, kidB},
	})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Unscoped)
	assert.ElementsMatch(t, []string{kidA, kidB}, []string{hit.Keys[0].KID, hit.Keys[1].KID})
}
