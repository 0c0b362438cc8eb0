package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

var (
	configPath  string
	serverURL   string
	noAutoStart bool
	verbose     bool
	rootCmd     = &cobra.Command{
		Use:   "drmfetch",
		Short: "drmfetch - DASH/HLS downloader with DRM key resolution",
		Long: `A command-line tool that downloads DASH and HLS streams, resolves
content keys from a local or shared key vault or a license server, and
decrypts the result.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./configs/config.yaml or ~/.config/drmfetch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL for job commands")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(jobsCmd)
}

// loadConfig reads the config file and builds the console logger
func loadConfig() (*domain.Config, *zap.Logger, error) {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := config.Logging.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{
		Level:      level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		log = logger.NewDefault()
		log.Warn("Falling back to console logger", zap.Error(err))
	}
	return config, log, nil
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	// A missing config file still leaves the launcher usable without a token
	config, _ := app.LoadConfig(configPath)
	if err := newServerLauncher(serverURL, configPath, config).ensure(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// statusColor highlights job and stream outcomes
func statusColor(status string) string {
	switch status {
	case "completed", "ok":
		return color.GreenString(status)
	case "partial", "running", "downloading", "decrypting":
		return color.YellowString(status)
	case "failed", "cancelled":
		return color.RedString(status)
	}
	return status
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
