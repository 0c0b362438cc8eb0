package infrastructure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// RemoteCDM drives a CDM exposed over HTTP in the pywidevine "serve" style:
// open, get_license_challenge, parse_license, get_keys and close under
// /{device}/.
type RemoteCDM struct {
	client  *http.Client
	baseURL string
	device  string
	secret  string
}

// NewRemoteCDM creates a remote CDM client
func NewRemoteCDM(client *http.Client, config domain.CDMConfig, timeout time.Duration) (*RemoteCDM, error) {
	if config.RemoteURL == "" {
		return nil, fmt.Errorf("remote cdm requires drm.cdm.remote_url")
	}
	if config.Device == "" {
		return nil, fmt.Errorf("remote cdm requires drm.cdm.device")
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteCDM{
		client:  client,
		baseURL: strings.TrimRight(config.RemoteURL, "/"),
		device:  config.Device,
		secret:  config.Secret,
	}, nil
}

type remoteEnvelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type remoteKey struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
	Type  string `json:"type"`
}

// OpenSession opens a session on the remote device
func (c *RemoteCDM) OpenSession(ctx context.Context) (string, error) {
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := c.call(ctx, http.MethodGet, "open", nil, &data); err != nil {
		return "", err
	}
	if data.SessionID == "" {
		return "", fmt.Errorf("remote cdm returned no session id")
	}
	return data.SessionID, nil
}

// Challenge asks the remote device for a license challenge for the pssh
func (c *RemoteCDM) Challenge(ctx context.Context, session string, req domain.LicenseRequest) ([]byte, error) {
	if req.PSSH == "" {
		return nil, fmt.Errorf("remote cdm challenge needs a pssh")
	}
	var data struct {
		ChallengeB64 string `json:"challenge_b64"`
	}
	body := map[string]interface{}{
		"session_id": session,
		"init_data":  req.PSSH,
	}
	if err := c.call(ctx, http.MethodPost, "get_license_challenge/STREAMING", body, &data); err != nil {
		return nil, err
	}
	challenge, err := base64.StdEncoding.DecodeString(data.ChallengeB64)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge from remote cdm: %w", err)
	}
	return challenge, nil
}

// ParseLicense hands the license to the remote device and reads back content keys
func (c *RemoteCDM) ParseLicense(ctx context.Context, session string, license []byte) ([]domain.KeyPair, error) {
	parse := map[string]interface{}{
		"session_id":      session,
		"license_message": base64.StdEncoding.EncodeToString(license),
	}
	if err := c.call(ctx, http.MethodPost, "parse_license", parse, nil); err != nil {
		return nil, err
	}

	var data struct {
		Keys []remoteKey `json:"keys"`
	}
	if err := c.call(ctx, http.MethodPost, "get_keys/CONTENT", map[string]interface{}{"session_id": session}, &data); err != nil {
		return nil, err
	}

	keys := make([]domain.KeyPair, 0, len(data.Keys))
	for _, k := range data.Keys {
		if k.Type != "" && k.Type != "CONTENT" {
			continue
		}
		keys = append(keys, domain.KeyPair{KID: domain.NormalizeHex(k.KeyID), Key: domain.NormalizeHex(k.Key)})
	}
	return keys, nil
}

// CloseSession closes the remote session
func (c *RemoteCDM) CloseSession(ctx context.Context, session string) error {
	return c.call(ctx, http.MethodGet, "close/"+session, nil, nil)
}

func (c *RemoteCDM) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.device, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote cdm %s: %w", path, err)
	}
	defer resp.Body.Close()

	var envelope remoteEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLicenseSize)).Decode(&envelope); err != nil {
		return fmt.Errorf("remote cdm %s: status %d: invalid response: %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (envelope.Status != 0 && envelope.Status != http.StatusOK) {
		return fmt.Errorf("remote cdm %s: status %d: %s", path, resp.StatusCode, envelope.Message)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("remote cdm %s: invalid data: %w", path, err)
		}
	}
	return nil
}
