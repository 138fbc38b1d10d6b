package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"

	"github.com/tinyland-inc/chatline/pkg/utils"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	User    UserConfig    `json:"user"    yaml:"user"`
	Server  ServerConfig  `json:"server"  yaml:"server"`
	Sync    SyncConfig    `json:"sync"    yaml:"sync"`
	Log     LogConfig     `json:"log"     yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type UserConfig struct {
	ID   string `env:"CHATLINE_USER_ID"   json:"id"   yaml:"id"`
	Name string `env:"CHATLINE_USER_NAME" json:"name" yaml:"name"`
}

// ServerConfig holds the chat service endpoints. Timeouts are in seconds.
type ServerConfig struct {
	WSURL            string `env:"CHATLINE_SERVER_WS_URL"            json:"ws_url"            yaml:"ws_url"`
	APIBase          string `env:"CHATLINE_SERVER_API_BASE"          json:"api_base"          yaml:"api_base"`
	HistoryPath      string `env:"CHATLINE_SERVER_HISTORY_PATH"      json:"history_path"      yaml:"history_path"`
	UploadPath       string `env:"CHATLINE_SERVER_UPLOAD_PATH"       json:"upload_path"       yaml:"upload_path"`
	HandshakeTimeout int    `env:"CHATLINE_SERVER_HANDSHAKE_TIMEOUT" json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     int    `env:"CHATLINE_SERVER_WRITE_TIMEOUT"     json:"write_timeout"     yaml:"write_timeout"`
	PingInterval     int    `env:"CHATLINE_SERVER_PING_INTERVAL"     json:"ping_interval"     yaml:"ping_interval"` // 0 disables keepalive
	RequestTimeout   int    `env:"CHATLINE_SERVER_REQUEST_TIMEOUT"   json:"request_timeout"   yaml:"request_timeout"`
	Token            string `env:"CHATLINE_SERVER_TOKEN"             json:"token,omitempty"   yaml:"token,omitempty"`
}

type SyncConfig struct {
	EchoMatchWindow    int   `env:"CHATLINE_SYNC_ECHO_MATCH_WINDOW"    json:"echo_match_window"    yaml:"echo_match_window"` // seconds
	MaxAttachments     int   `env:"CHATLINE_SYNC_MAX_ATTACHMENTS"      json:"max_attachments"      yaml:"max_attachments"`
	MaxAttachmentBytes int64 `env:"CHATLINE_SYNC_MAX_ATTACHMENT_BYTES" json:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	UploadConcurrency  int   `env:"CHATLINE_SYNC_UPLOAD_CONCURRENCY"   json:"upload_concurrency"   yaml:"upload_concurrency"` // 0 uploads all at once
}

type LogConfig struct {
	Level string `env:"CHATLINE_LOG_LEVEL" json:"level" yaml:"level"`
	File  string `env:"CHATLINE_LOG_FILE"  json:"file"  yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `env:"CHATLINE_METRICS_ENABLED" json:"enabled" yaml:"enabled"`
	Addr    string `env:"CHATLINE_METRICS_ADDR"    json:"addr"    yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:            "ws://localhost:3000/ws",
			APIBase:          "http://localhost:3000",
			HistoryPath:      "/messages/conversation",
			UploadPath:       "/files/upload",
			HandshakeTimeout: 10,
			WriteTimeout:     10,
			PingInterval:     30,
			RequestTimeout:   30,
		},
		Sync: SyncConfig{
			EchoMatchWindow:    30,
			MaxAttachments:     10,
			MaxAttachmentBytes: 25 << 20,
			UploadConcurrency:  0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// LoadConfig reads path over the defaults and then applies the environment.
// A missing file is not an error. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if isYAML(path) {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks everything needed to open a conversation.
func (c *Config) Validate() error {
	if err := utils.ValidateID("user", c.User.ID); err != nil {
		return fmt.Errorf("%w: user.id: %w", ErrInvalidConfig, err)
	}
	if err := checkURL(c.Server.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: server.ws_url: %w", ErrInvalidConfig, err)
	}
	if err := checkURL(c.Server.APIBase, "http", "https"); err != nil {
		return fmt.Errorf("%w: server.api_base: %w", ErrInvalidConfig, err)
	}
	for name, v := range map[string]int{
		"server.handshake_timeout": c.Server.HandshakeTimeout,
		"server.write_timeout":     c.Server.WriteTimeout,
		"server.request_timeout":   c.Server.RequestTimeout,
		"sync.echo_match_window":   c.Sync.EchoMatchWindow,
		"sync.max_attachments":     c.Sync.MaxAttachments,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.Server.PingInterval < 0 {
		return fmt.Errorf("%w: server.ping_interval must not be negative", ErrInvalidConfig)
	}
	if c.Sync.UploadConcurrency < 0 {
		return fmt.Errorf("%w: sync.upload_concurrency must not be negative", ErrInvalidConfig)
	}
	if c.Sync.MaxAttachmentBytes < 0 {
		return fmt.Errorf("%w: sync.max_attachment_bytes must not be negative", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalidConfig)
	}
	return nil
}

func (s ServerConfig) HandshakeTimeoutDuration() time.Duration { return seconds(s.HandshakeTimeout) }
func (s ServerConfig) WriteTimeoutDuration() time.Duration     { return seconds(s.WriteTimeout) }
func (s ServerConfig) PingIntervalDuration() time.Duration     { return seconds(s.PingInterval) }
func (s ServerConfig) RequestTimeoutDuration() time.Duration   { return seconds(s.RequestTimeout) }
func (s SyncConfig) EchoMatchWindowDuration() time.Duration    { return seconds(s.EchoMatchWindow) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s url", raw, strings.Join(schemes, "/"))
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
