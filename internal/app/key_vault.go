package app

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// VaultHit is the answer of one tier to a lookup
type VaultHit struct {
	Keys     []domain.KeyPair
	Tier     string
	Unscoped bool
}

// KeyVault composes key store tiers, local first. It is created once per
// process and closed on exit.
type KeyVault struct {
	tiers            []domain.KeyStore
	unscopedFallback bool
	logger           *zap.Logger
}

// NewKeyVault creates a vault over the given tiers, queried in order
func NewKeyVault(tiers []domain.KeyStore, unscopedFallback bool, logger *zap.Logger) *KeyVault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyVault{
		tiers:            tiers,
		unscopedFallback: unscopedFallback,
		logger:           logger,
	}
}

// Tiers returns the configured tiers
func (v *KeyVault) Tiers() []domain.KeyStore {
	return v.tiers
}

// BaseLicenseURL normalizes a license URL to scheme, host and path.
// Query string, fragment and trailing slash are dropped.
func BaseLicenseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimRight(raw, "/")
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/")
}

// Lookup returns keys for exactly the requested KIDs, or nil on a miss.
// A tier's answer counts only when it covers every requested KID. The scoped
// pass (license URL given) runs over all tiers before the unscoped pass.
func (v *KeyVault) Lookup(ctx context.Context, query domain.KeyQuery) (*VaultHit, error) {
	kids := normalizeKIDs(query.KIDs)
	if len(kids) == 0 {
		return nil, nil
	}
	query.KIDs = kids
	query.LicenseURL = BaseLicenseURL(query.LicenseURL)

	hit, err := v.pass(ctx, query, false)
	if hit != nil || err != nil {
		return hit, err
	}

	if query.LicenseURL == "" || !v.unscopedFallback {
		return nil, nil
	}
	scope := query.LicenseURL
	query.LicenseURL = ""
	hit, err = v.pass(ctx, query, true)
	if hit != nil {
		v.logger.Warn("Keys found outside license scope",
			zap.String("license_url", scope),
			zap.String("tier", hit.Tier),
			zap.Int("kids", len(kids)))
	}
	return hit, err
}

func (v *KeyVault) pass(ctx context.Context, query domain.KeyQuery, unscoped bool) (*VaultHit, error) {
	for _, tier := range v.tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		keys, err := tier.LookupKeys(ctx, query)
		if err != nil {
			v.logger.Warn("Vault tier lookup failed",
				zap.String("tier", tier.Name()),
				zap.Error(err))
			continue
		}

		if trimmed, ok := coverKIDs(keys, query.KIDs); ok {
			v.logger.Info("Vault hit",
				zap.String("tier", tier.Name()),
				zap.String("drm", string(query.DRM)),
				zap.Bool("unscoped", unscoped),
				zap.Int("keys", len(trimmed)))
			return &VaultHit{Keys: trimmed, Tier: tier.Name(), Unscoped: unscoped}, nil
		}
	}
	return nil, nil
}

// Store writes the record to every tier and aggregates failures
func (v *KeyVault) Store(ctx context.Context, record domain.KeyRecord) error {
	record.LicenseURL = BaseLicenseURL(record.LicenseURL)

	var errs error
	for _, tier := range v.tiers {
		if err := tier.StoreKeys(ctx, record); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s tier: %w", tier.Name(), err))
			continue
		}
		v.logger.Info("Keys stored",
			zap.String("tier", tier.Name()),
			zap.String("drm", string(record.DRM)),
			zap.Int("keys", len(record.Keys)))
	}
	return errs
}

// Close releases tiers that hold resources
func (v *KeyVault) Close() error {
	var errs error
	for _, tier := range v.tiers {
		if closer, ok := tier.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	return errs
}

// coverKIDs returns the keys for exactly kids when keys is a superset of them
func coverKIDs(keys []domain.KeyPair, kids []string) ([]domain.KeyPair, bool) {
	byKID := make(map[string]domain.KeyPair, len(keys))
	for _, k := range keys {
		if k.IsZero() {
			continue
		}
		k.KID = domain.NormalizeHex(k.KID)
		byKID[k.KID] = k
	}

	out := make([]domain.KeyPair, 0, len(kids))
	for _, kid := range kids {
		k, ok := byKID[kid]
		if !ok {
			return nil, false
		}
		out = append(out, k)
	}
	return out, true
}

func normalizeKIDs(kids []string) []string {
	seen := make(map[string]bool, len(kids))
	out := make([]string, 0, len(kids))
	for _, kid := range kids {
		kid = domain.NormalizeHex(kid)
		if kid == "" || seen[kid] {
			continue
		}
		seen[kid] = true
		out = append(out, kid)
	}
	return out
}
