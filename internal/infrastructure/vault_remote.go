package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// RemoteKeyStore is a key vault tier backed by a drmfetch server
type RemoteKeyStore struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewRemoteKeyStore creates a remote vault tier from config
func NewRemoteKeyStore(config domain.RemoteVaultConfig) (*RemoteKeyStore, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("remote vault requires vault.remote.url")
	}
	return &RemoteKeyStore{
		client:  &http.Client{Timeout: config.Timeout},
		baseURL: strings.TrimRight(config.URL, "/"),
		token:   config.Token,
	}, nil
}

// Name identifies the tier
func (s *RemoteKeyStore) Name() string {
	return "remote"
}

// LookupKeys asks the server for stored keys
func (s *RemoteKeyStore) LookupKeys(ctx context.Context, query domain.KeyQuery) ([]domain.KeyPair, error) {
	var resp struct {
		Keys []domain.KeyPair `json:"keys"`
	}
	if err := s.post(ctx, "/api/v1/vault/lookup", query, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// StoreKeys uploads keys to the server
func (s *RemoteKeyStore) StoreKeys(ctx context.Context, record domain.KeyRecord) error {
	return s.post(ctx, "/api/v1/vault/keys", record, nil)
}

func (s *RemoteKeyStore) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return fmt.Errorf("remote vault %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid remote vault response: %w", err)
	}
	return nil
}
