package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// LocalVault is the key store served to remote vault clients
type LocalVault interface {
	domain.KeyStore
	Stats(ctx context.Context) (*domain.VaultStats, error)
	InvalidateKey(ctx context.Context, kid string) (int64, error)
}

// VaultHandler exposes the local key vault so other instances can use it as
// their remote tier
type VaultHandler struct {
	store  LocalVault
	logger *zap.Logger
}

// NewVaultHandler creates a new vault handler
func NewVaultHandler(store LocalVault, log *zap.Logger) *VaultHandler {
	return &VaultHandler{
		store:  store,
		logger: log,
	}
}

// Lookup handles POST /api/v1/vault/lookup
func (h *VaultHandler) Lookup(c *gin.Context) {
	var query domain.KeyQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(query.KIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kids are required"})
		return
	}

	keys, err := h.store.LookupKeys(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("Vault lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []domain.KeyPair{}
	}

	h.logger.Info("Vault lookup",
		zap.String("drm", string(query.DRM)),
		zap.Bool("scoped", query.LicenseURL != ""),
		zap.Int("requested", len(query.KIDs)),
		zap.Int("found", len(keys)))

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// StoreKeys handles POST /api/v1/vault/keys
func (h *VaultHandler) StoreKeys(c *gin.Context) {
	var record domain.KeyRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if record.PSSH == "" || len(record.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pssh and keys are required"})
		return
	}
	if record.DRM == "auto" || !domain.ValidateDRMSystem(string(record.DRM)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid drm_type"})
		return
	}
	for i, k := range record.Keys {
		pair, err := domain.ParseKeyPair(k.String())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pair.Label = k.Label
		record.Keys[i] = pair
	}

	if err := h.store.StoreKeys(c.Request.Context(), record); err != nil {
		h.logger.Error("Vault store failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Vault keys stored",
		zap.String("drm", string(record.DRM)),
		zap.Int("keys", len(record.Keys)))

	c.JSON(http.StatusCreated, gin.H{"stored": len(record.Keys)})
}

// InvalidateKey handles POST /api/v1/vault/keys/:kid/invalidate
func (h *VaultHandler) InvalidateKey(c *gin.Context) {
	kid := c.Param("kid")
	n, err := h.store.InvalidateKey(c.Request.Context(), kid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

// GetStats handles GET /api/v1/vault/stats
func (h *VaultHandler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get vault stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
