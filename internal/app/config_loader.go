package app

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/selector"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.config/drmfetch")
		v.AddConfigPath("/etc/drmfetch")
	}

	// DRMFETCH_DOWNLOAD_WORKERS overrides download.workers
	v.SetEnvPrefix("DRMFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every known key so AutomaticEnv also applies to keys
// absent from the config file
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.host", "server.port", "server.token",
		"download.output_dir", "download.temp_dir", "download.workers",
		"download.max_retries", "download.retry_delay", "download.request_timeout",
		"download.user_agent", "download.concurrent_jobs", "download.cleanup_temp",
		"selection.video", "selection.audio", "selection.subtitle",
		"drm.preference", "drm.license_delay",
		"drm.cdm.type", "drm.cdm.remote_url", "drm.cdm.device", "drm.cdm.secret",
		"vault.database_path", "vault.unscoped_fallback",
		"vault.remote.enabled", "vault.remote.url", "vault.remote.token", "vault.remote.timeout",
		"decrypt.backend", "decrypt.mp4decrypt_binary", "decrypt.shaka_binary",
		"notification.enabled", "notification.method",
		"logging.level", "logging.format", "logging.output_path", "logging.logs_dir",
	} {
		v.BindEnv(key)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Download.OutputDir = expandPath(config.Download.OutputDir)
	config.Download.TempDir = expandPath(config.Download.TempDir)
	config.Vault.DatabasePath = expandPath(config.Vault.DatabasePath)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Download.OutputDir == "" {
		return fmt.Errorf("download output directory not configured")
	}
	if config.Download.TempDir == "" {
		return fmt.Errorf("download temp directory not configured")
	}
	if config.Download.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if config.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if config.Download.ConcurrentJobs < 1 {
		return fmt.Errorf("concurrent jobs must be at least 1")
	}

	for kind, filter := range map[domain.StreamKind]string{
		domain.KindVideo:    config.Selection.Video,
		domain.KindAudio:    config.Selection.Audio,
		domain.KindSubtitle: config.Selection.Subtitle,
	} {
		if _, err := selector.ParseFilter(filter); err != nil {
			return fmt.Errorf("invalid %s selection: %w", kind, err)
		}
	}

	if !domain.ValidateDRMSystem(config.DRM.Preference) {
		return fmt.Errorf("invalid drm preference: %s", config.DRM.Preference)
	}
	switch config.DRM.CDM.Type {
	case "clearkey":
	case "remote":
		if config.DRM.CDM.RemoteURL == "" || config.DRM.CDM.Device == "" {
			return fmt.Errorf("remote cdm requires remote_url and device")
		}
	default:
		return fmt.Errorf("invalid cdm type: %s", config.DRM.CDM.Type)
	}

	if config.Vault.DatabasePath == "" {
		return fmt.Errorf("vault database path not configured")
	}
	if config.Vault.Remote.Enabled && config.Vault.Remote.URL == "" {
		return fmt.Errorf("remote vault enabled without url")
	}

	if !domain.ValidateBackend(config.Decrypt.Backend) {
		return fmt.Errorf("invalid decrypt backend: %s", config.Decrypt.Backend)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// settingsMap converts a config struct into nested maps keyed by the
// mapstructure tags, so a saved file loads back with the same keys
func settingsMap(section interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	rv := reflect.ValueOf(section)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || !field.IsExported() {
			continue
		}
		value := rv.Field(i)
		if value.Kind() == reflect.Struct {
			out[tag] = settingsMap(value.Interface())
			continue
		}
		out[tag] = value.Interface()
	}
	return out
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, section := range settingsMap(*config) {
		v.Set(key, section)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
