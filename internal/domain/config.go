package domain

import (
	"path/filepath"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Selection    Filters            `mapstructure:"selection"`
	DRM          DRMConfig          `mapstructure:"drm"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Decrypt      DecryptConfig      `mapstructure:"decrypt"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"` // bearer token required by the vault API when set
}

// DownloadConfig contains download-related configuration
type DownloadConfig struct {
	OutputDir      string        `mapstructure:"output_dir"`
	TempDir        string        `mapstructure:"temp_dir"`
	Workers        int           `mapstructure:"workers"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	ConcurrentJobs int           `mapstructure:"concurrent_jobs"`
	CleanupTemp    bool          `mapstructure:"cleanup_temp"`
}

// JobTempDir returns the scratch directory for one job
func (c DownloadConfig) JobTempDir(jobID string) string {
	return filepath.Join(c.TempDir, jobID)
}

// DRMConfig contains license and CDM configuration
type DRMConfig struct {
	Preference   string        `mapstructure:"preference"` // widevine, playready, auto
	LicenseDelay time.Duration `mapstructure:"license_delay"`
	CDM          CDMConfig     `mapstructure:"cdm"`
}

// CDMConfig selects the CDM used by the license client
type CDMConfig struct {
	Type      string `mapstructure:"type"` // clearkey, remote
	RemoteURL string `mapstructure:"remote_url"`
	Device    string `mapstructure:"device"`
	Secret    string `mapstructure:"secret"`
}

// VaultConfig contains key vault configuration
type VaultConfig struct {
	DatabasePath     string            `mapstructure:"database_path"`
	UnscopedFallback bool              `mapstructure:"unscoped_fallback"`
	Remote           RemoteVaultConfig `mapstructure:"remote"`
}

// RemoteVaultConfig points at a shared vault server
type RemoteVaultConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DecryptConfig contains decryption backend configuration
type DecryptConfig struct {
	Backend          DecryptBackend `mapstructure:"backend"`
	MP4DecryptBinary string         `mapstructure:"mp4decrypt_binary"`
	ShakaBinary      string         `mapstructure:"shaka_binary"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // category log files (server)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Download: DownloadConfig{
			OutputDir:      "$HOME/Downloads/drmfetch",
			TempDir:        "$HOME/Downloads/drmfetch/.tmp",
			Workers:        8,
			MaxRetries:     5,
			RetryDelay:     1 * time.Second,
			RequestTimeout: 20 * time.Second,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			ConcurrentJobs: 1,
			CleanupTemp:    true,
		},
		Selection: Filters{
			Video:    "best",
			Audio:    "best",
			Subtitle: "none",
		},
		DRM: DRMConfig{
			Preference:   "auto",
			LicenseDelay: 1 * time.Second,
			CDM: CDMConfig{
				Type: "clearkey",
			},
		},
		Vault: VaultConfig{
			DatabasePath:     "$HOME/.config/drmfetch/vault.db",
			UnscopedFallback: true,
			Remote: RemoteVaultConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
		},
		Decrypt: DecryptConfig{
			Backend:          BackendNative,
			MP4DecryptBinary: "mp4decrypt",
			ShakaBinary:      "packager",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
			LogsDir:    "$HOME/.config/drmfetch/logs",
		},
	}
}
