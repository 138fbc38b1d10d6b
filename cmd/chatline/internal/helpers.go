package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatline/pkg/api"
	"github.com/tinyland-inc/chatline/pkg/config"
	"github.com/tinyland-inc/chatline/pkg/logger"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath returns ~/.chatline/config.yaml when it exists and
// ~/.chatline/config.json otherwise.
func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".chatline")
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// LoadConfig loads .env from the working directory, then the config file
// named by the --config flag (or the default path), and applies logging
// settings. --debug overrides the configured level.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load(".env")

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = GetConfigPath()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("error enabling file logging: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewAPIClient builds the history and upload client from cfg.
func NewAPIClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:        cfg.Server.APIBase,
		HistoryPath:    cfg.Server.HistoryPath,
		UploadPath:     cfg.Server.UploadPath,
		RequestTimeout: cfg.Server.RequestTimeoutDuration(),
		MaxUploadBytes: cfg.Sync.MaxAttachmentBytes,
		AuthToken:      cfg.Server.Token,
	})
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
