package app

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

// Runtime holds the services shared by the CLI and the server
type Runtime struct {
	Config       *domain.Config
	Local        *infrastructure.SQLiteKeyStore
	Vault        *KeyVault
	Resolver     *KeyResolver
	Orchestrator *Orchestrator
}

// NewRuntime wires the vault tiers, license client, decryptors and
// orchestrator from config
func NewRuntime(config *domain.Config, logs *logger.LoggerAdapter) (*Runtime, error) {
	general := logs.General()

	for _, dir := range []string{config.Download.OutputDir, config.Download.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	vault, local, err := OpenKeyVault(config, logs.Vault())
	if err != nil {
		return nil, err
	}

	client := &http.Client{}

	var cdm infrastructure.CDM
	switch config.DRM.CDM.Type {
	case "remote":
		cdm, err = infrastructure.NewRemoteCDM(nil, config.DRM.CDM, config.Download.RequestTimeout)
		if err != nil {
			vault.Close()
			return nil, err
		}
	default:
		cdm = infrastructure.NewClearKeyCDM()
	}
	license := infrastructure.NewLicenseClient(client, cdm,
		config.DRM.LicenseDelay, config.Download.RequestTimeout, logs.Vault())
	resolver := NewKeyResolver(vault, license, logs.Vault())

	runner := infrastructure.NewProcessRunner(logs.Jobs())
	decryptors := map[domain.DecryptBackend]domain.Decryptor{
		domain.BackendNative: infrastructure.NewNativeDecryptor(general),
	}
	external := map[domain.DecryptBackend]string{
		domain.BackendMP4Decrypt: config.Decrypt.MP4DecryptBinary,
		domain.BackendShaka:      config.Decrypt.ShakaBinary,
	}
	for backend, binary := range external {
		if binary == "" {
			continue
		}
		d, err := infrastructure.NewExternalDecryptor(backend, binary, runner, logs.Jobs())
		if err != nil {
			general.Warn("Decrypt backend unavailable", zap.String("backend", string(backend)), zap.Error(err))
			continue
		}
		decryptors[backend] = d
	}

	fetcher := infrastructure.NewSegmentFetcher(client, &config.Download, logs.Jobs())
	orchestrator := NewOrchestrator(client, fetcher, resolver, decryptors, config, logs.Jobs())

	return &Runtime{
		Config:       config,
		Local:        local,
		Vault:        vault,
		Resolver:     resolver,
		Orchestrator: orchestrator,
	}, nil
}

// OpenKeyVault opens the local sqlite tier and, when enabled, the remote tier
func OpenKeyVault(config *domain.Config, log *zap.Logger) (*KeyVault, *infrastructure.SQLiteKeyStore, error) {
	local, err := infrastructure.NewSQLiteKeyStore(config.Vault.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key vault: %w", err)
	}

	tiers := []domain.KeyStore{local}
	if config.Vault.Remote.Enabled {
		remote, err := infrastructure.NewRemoteKeyStore(config.Vault.Remote)
		if err != nil {
			local.Close()
			return nil, nil, err
		}
		tiers = append(tiers, remote)
	}
	return NewKeyVault(tiers, config.Vault.UnscopedFallback, log), local, nil
}

// Close releases the vault tiers
func (r *Runtime) Close() error {
	return r.Vault.Close()
}
