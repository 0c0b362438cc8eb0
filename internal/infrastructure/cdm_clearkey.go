package infrastructure

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// ClearKeyCDM speaks the W3C ClearKey JSON license format. Sessions are local.
type ClearKeyCDM struct{}

// NewClearKeyCDM creates a ClearKey CDM
func NewClearKeyCDM() *ClearKeyCDM {
	return &ClearKeyCDM{}
}

type clearKeyRequest struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

type clearKeyResponse struct {
	Keys []struct {
		Kty string `json:"kty"`
		K   string `json:"k"`
		KID string `json:"kid"`
	} `json:"keys"`
}

// OpenSession returns a fresh local session id
func (c *ClearKeyCDM) OpenSession(ctx context.Context) (string, error) {
	return uuid.New().String(), nil
}

// Challenge builds a {"kids": [...], "type": "temporary"} request. Key ids come
// from the request or, failing that, from the pssh box.
func (c *ClearKeyCDM) Challenge(ctx context.Context, session string, req domain.LicenseRequest) ([]byte, error) {
	kids := req.KIDs
	if len(kids) == 0 && req.PSSH != "" {
		parsed, err := PSSHKeyIDs(req.PSSH)
		if err != nil {
			return nil, err
		}
		kids = parsed
	}
	if len(kids) == 0 {
		return nil, fmt.Errorf("clearkey challenge needs at least one key id")
	}

	body := clearKeyRequest{Type: "temporary"}
	for _, kid := range kids {
		raw, err := hex.DecodeString(domain.NormalizeHex(kid))
		if err != nil {
			return nil, fmt.Errorf("invalid key id %q", kid)
		}
		body.KIDs = append(body.KIDs, base64.RawURLEncoding.EncodeToString(raw))
	}
	return json.Marshal(body)
}

// ParseLicense decodes {"keys": [{"kty": "oct", "kid": ..., "k": ...}]}
func (c *ClearKeyCDM) ParseLicense(ctx context.Context, session string, license []byte) ([]domain.KeyPair, error) {
	var resp clearKeyResponse
	if err := json.Unmarshal(license, &resp); err != nil {
		return nil, fmt.Errorf("invalid clearkey license: %w", err)
	}

	keys := make([]domain.KeyPair, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		if k.Kty != "" && k.Kty != "oct" {
			continue
		}
		kid, err := decodeBase64URL(k.KID)
		if err != nil {
			return nil, fmt.Errorf("invalid kid in license: %w", err)
		}
		key, err := decodeBase64URL(k.K)
		if err != nil {
			return nil, fmt.Errorf("invalid key in license: %w", err)
		}
		keys = append(keys, domain.KeyPair{KID: hex.EncodeToString(kid), Key: hex.EncodeToString(key)})
	}
	return keys, nil
}

// CloseSession is a no-op for local sessions
func (c *ClearKeyCDM) CloseSession(ctx context.Context, session string) error {
	return nil
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// PSSHKeyIDs returns the key ids listed in a version 1 pssh box (base64)
func PSSHKeyIDs(psshB64 string) ([]string, error) {
	box, err := base64.StdEncoding.DecodeString(psshB64)
	if err != nil {
		return nil, fmt.Errorf("invalid pssh base64: %w", err)
	}
	if len(box) < 32 || string(box[4:8]) != "pssh" {
		return nil, fmt.Errorf("not a pssh box")
	}
	if box[8] == 0 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint32(box[28:32]))
	if len(box) < 32+16*count {
		return nil, fmt.Errorf("truncated pssh box")
	}
	kids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		kids = append(kids, hex.EncodeToString(box[32+16*i:48+16*i]))
	}
	return kids, nil
}
