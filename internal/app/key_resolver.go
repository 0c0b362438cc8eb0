package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// Key sources reported in Resolution.Source
const (
	SourceExplicit = "explicit"
	SourceLicense  = "license"
)

// ResolveRequest carries everything needed to find content keys for a job
type ResolveRequest struct {
	Protections  []domain.Protection
	KIDs         []string // extra key ids, e.g. read from container tenc boxes
	LicenseURL   string
	Headers      map[string]string
	Preference   string
	ExplicitKeys []domain.KeyPair
	Label        string
}

// Resolution is the outcome of a successful key resolution
type Resolution struct {
	Keys   []domain.KeyPair
	DRM    domain.DRMSystem
	Source string
}

// KeyResolver finds content keys: explicit keys, then the vault, then the
// license server, writing extracted keys back to the vault
type KeyResolver struct {
	vault   *KeyVault
	license domain.LicenseAcquirer
	logger  *zap.Logger
}

// NewKeyResolver creates a new key resolver. license may be nil when only
// explicit keys and the vault are available.
func NewKeyResolver(vault *KeyVault, license domain.LicenseAcquirer, logger *zap.Logger) *KeyResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyResolver{vault: vault, license: license, logger: logger}
}

// ChooseSystem picks the DRM system to resolve against. An explicit preference
// wins when the content carries that system; otherwise Widevine, PlayReady and
// ClearKey are tried in that order.
func ChooseSystem(protections []domain.Protection, preference string) domain.DRMSystem {
	available := make(map[domain.DRMSystem]bool)
	var first domain.DRMSystem
	for _, p := range protections {
		for system := range p.Headers {
			available[system] = true
		}
		if p.System != "" && p.System != domain.DRMNone {
			available[p.System] = true
			if first == "" {
				first = p.System
			}
		}
	}

	if preference != "" && preference != "auto" && available[domain.DRMSystem(preference)] {
		return domain.DRMSystem(preference)
	}
	for _, system := range []domain.DRMSystem{domain.DRMWidevine, domain.DRMPlayReady, domain.DRMClearKey} {
		if available[system] {
			return system
		}
	}
	if first != "" {
		return first
	}
	return domain.DRMNone
}

// Resolve returns the content keys for the request. Errors wrap
// domain.ErrDRMResolution.
func (r *KeyResolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if len(req.ExplicitKeys) > 0 {
		r.logger.Info("Using explicit keys", zap.Int("keys", len(req.ExplicitKeys)))
		return &Resolution{Keys: req.ExplicitKeys, Source: SourceExplicit}, nil
	}

	system := ChooseSystem(req.Protections, req.Preference)
	kids := requestedKIDs(req)
	if system == domain.DRMNone && len(kids) == 0 {
		return nil, fmt.Errorf("%w: no protection header or key id", domain.ErrDRMResolution)
	}
	licenseURL := BaseLicenseURL(req.LicenseURL)

	if len(kids) > 0 && r.vault != nil {
		hit, err := r.vault.Lookup(ctx, domain.KeyQuery{LicenseURL: licenseURL, DRM: system, KIDs: kids})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDRMResolution, err)
		}
		if hit != nil {
			return &Resolution{Keys: hit.Keys, DRM: system, Source: "vault:" + hit.Tier}, nil
		}
	}

	if r.license == nil {
		return nil, fmt.Errorf("%w: vault miss and no license client", domain.ErrDRMResolution)
	}
	if req.LicenseURL == "" {
		return nil, fmt.Errorf("%w: vault miss and no license url", domain.ErrDRMResolution)
	}

	headers := distinctHeaders(req.Protections, system)
	if len(headers) == 0 {
		if system != domain.DRMClearKey || len(kids) == 0 {
			return nil, fmt.Errorf("%w: no %s protection header", domain.ErrDRMResolution, system)
		}
		// ClearKey can be requested by key id alone
		headers = []string{""}
	}

	collected := make(map[string]domain.KeyPair)
	var order []string
	var lastErr error
	for _, pssh := range headers {
		keys, err := r.license.Acquire(ctx, domain.LicenseRequest{
			URL:     req.LicenseURL,
			Headers: req.Headers,
			DRM:     system,
			PSSH:    pssh,
			KIDs:    kids,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrDRMResolution, ctx.Err())
			}
			lastErr = err
			r.logger.Warn("License request failed", zap.String("drm", string(system)), zap.Error(err))
			continue
		}

		if r.vault != nil {
			record := domain.KeyRecord{LicenseURL: licenseURL, PSSH: pssh, DRM: system, Keys: keys, Label: req.Label}
			if err := r.vault.Store(ctx, record); err != nil {
				r.logger.Warn("Failed to write keys back to vault", zap.Error(err))
			}
		}

		for _, k := range keys {
			if _, ok := collected[k.KID]; !ok {
				order = append(order, k.KID)
			}
			collected[k.KID] = k
		}
	}

	if len(collected) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no keys extracted")
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDRMResolution, lastErr)
	}

	keys := make([]domain.KeyPair, 0, len(order))
	for _, kid := range order {
		keys = append(keys, collected[kid])
	}
	for _, kid := range kids {
		if _, ok := collected[kid]; !ok {
			r.logger.Warn("License did not return a requested key id", zap.String("kid", kid))
		}
	}
	return &Resolution{Keys: keys, DRM: system, Source: SourceLicense}, nil
}

func requestedKIDs(req ResolveRequest) []string {
	var kids []string
	for _, p := range req.Protections {
		if p.KID != "" {
			kids = append(kids, p.KID)
		}
	}
	return normalizeKIDs(append(kids, req.KIDs...))
}

// distinctHeaders returns each protection header for system once, in order
func distinctHeaders(protections []domain.Protection, system domain.DRMSystem) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range protections {
		h, ok := p.HeaderFor(system)
		if !ok || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
