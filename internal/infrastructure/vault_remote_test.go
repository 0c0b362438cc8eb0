package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

func TestRemoteKeyStore_LookupAndStore(t *testing.T) {
	var stored domain.KeyRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer vault-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		switch r.URL.Path {
		case "/api/v1/vault/lookup":
			var q domain.KeyQuery
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, "https://lic.example.com/wv", q.LicenseURL)
			assert.Equal(t, domain.DRMWidevine, q.DRM)
			assert.Equal(t, []string{testKID1}, q.KIDs)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"keys": []domain.KeyPair{{KID: testKID1, Key: testKey1}},
			})
		case "/api/v1/vault/keys":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"stored": len(stored.Keys)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store, err := NewRemoteKeyStore(domain.RemoteVaultConfig{URL: srv.URL + "/", Token: "vault-token", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "remote", store.Name())

	keys, err := store.LookupKeys(context.Background(), domain.KeyQuery{
		LicenseURL: "https://lic.example.com/wv",
		DRM:        domain.DRMWidevine,
		KIDs:       []string{testKID1},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.KeyPair{{KID: testKID1, Key: testKey1}}, keys)

	err = store.StoreKeys(context.Background(), domain.KeyRecord{
		LicenseURL: "https://lic.example.com/wv",
		PSSH:       "AAAA",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: testKID2, Key: testKey2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "AAAA", stored.PSSH)
	assert.Equal(t, testKID2, stored.Keys[0].KID)
}

func TestRemoteKeyStore_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
	}))
	defer srv.Close()

	store, err := NewRemoteKeyStore(domain.RemoteVaultConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	_, err = store.LookupKeys(context.Background(), domain.KeyQuery{KIDs: []string{testKID1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestNewRemoteKeyStore_RequiresURL(t *testing.T) {
	_, err := NewRemoteKeyStore(domain.RemoteVaultConfig{})
	assert.Error(t, err)
}
