// Package config loads the bridge's configuration from environment
// variables, per spec §6. The struct organization (grouped sub-configs, a
// content Hash for change detection, a deep Clone) follows the teacher's
// internal/config package; the source of truth is os.Getenv instead of a
// YAML file, because this service's upstream (see original_source/config.py)
// is env-var configured.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/tgifai/wxfhbridge/internal/consts"
)

type (
	Config struct {
		Engine    EngineConfig
		Storage   StorageConfig
		Supervise SuperviseConfig
		Webhook   WebhookConfig
		Chatbot   ChatbotConfig
		Trace     TraceConfig
		HTTP      HTTPConfig
		Logging   LoggingConfig
	}

	EngineConfig struct {
		EntryHost       string
		LoginCallbackURL string
	}

	StorageConfig struct {
		DownloadDir      string
		FileDateSubdir   bool
		AutoDownload     bool
		FileRetentionDays int
		MessageDBPath    string
		PluginsDir       string
		TaskFile         string
		TraceDir         string
		HTTPAllowlist    []string
	}

	SuperviseConfig struct {
		HeartbeatInterval   int // seconds
		ReconnectDelay      int // seconds
		MaxReconnectAttempts int
	}

	WebhookConfig struct {
		URL     string
		Timeout int // seconds
	}

	ChatbotConfig struct {
		Enabled bool
		WebhookURL string
		Timeout int // seconds
	}

	TraceConfig struct {
		Enabled bool
		Redact  bool
		MaxBody int
	}

	HTTPConfig struct {
		Bind string
	}

	LoggingConfig struct {
		Level      string
		Format     string
		Output     string
		File       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
	}
)

// Load reads every env var spec §6 names, falling back to the defaults the
// original prototype uses (original_source/config.py).
func Load() *Config {
	return &Config{
		Engine: EngineConfig{
			EntryHost:        getString("WECHAT_ENTRY_HOST", consts.DefaultEntryHost),
			LoginCallbackURL: getString("LOGIN_CALLBACK_URL", ""),
		},
		Storage: StorageConfig{
			DownloadDir:       getString("DOWNLOAD_DIR", "./downloads"),
			FileDateSubdir:    getBool("FILE_DATE_SUBDIR", false),
			AutoDownload:      getBool("AUTO_DOWNLOAD", true),
			FileRetentionDays: getInt("FILE_RETENTION_DAYS", 0),
			MessageDBPath:     getString("MESSAGE_DB_PATH", "./data/messages.db"),
			PluginsDir:        getString("PLUGINS_DIR", "./plugins"),
			TaskFile:          getString("ROBOT_TASK_FILE", "./data/tasks.json"),
			TraceDir:          getString("WECHAT_TRACE_DIR", "./data/trace"),
			HTTPAllowlist:     getList("ROBOT_HTTP_ALLOWLIST"),
		},
		Supervise: SuperviseConfig{
			HeartbeatInterval:    getInt("HEARTBEAT_INTERVAL", 30),
			ReconnectDelay:       getInt("RECONNECT_DELAY", 5),
			MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 10),
		},
		Webhook: WebhookConfig{
			URL:     getString("MESSAGE_WEBHOOK_URL", ""),
			Timeout: getInt("MESSAGE_WEBHOOK_TIMEOUT", 5),
		},
		Chatbot: ChatbotConfig{
			Enabled:    getBool("CHATBOT_ENABLED", false),
			WebhookURL: getString("CHATBOT_WEBHOOK_URL", ""),
			Timeout:    getInt("CHATBOT_TIMEOUT", 10),
		},
		Trace: TraceConfig{
			Enabled: getBool("WECHAT_TRACE_ENABLED", true),
			Redact:  getBool("WECHAT_TRACE_REDACT", true),
			MaxBody: getInt("WECHAT_TRACE_MAX_BODY", 2048),
		},
		HTTP: HTTPConfig{
			Bind: getString("BRIDGE_HTTP_BIND", ":8000"),
		},
		Logging: LoggingConfig{
			Level:      getString("LOG_LEVEL", "info"),
			Format:     getString("LOG_FORMAT", "text"),
			Output:     getString("LOG_OUTPUT", "stdout"),
			File:       getString("LOG_FILE", ""),
			MaxSize:    getInt("LOG_MAX_SIZE", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAge:     getInt("LOG_MAX_AGE", 30),
		},
	}
}

// Clone returns a deep copy via a sonic marshal/unmarshal round trip, the
// same technique the teacher's Config.Clone uses.
func (c *Config) Clone() (*Config, error) {
	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, err
	}
	var cloned Config
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return nil, err
	}
	return &cloned, nil
}

// Hash returns a content hash usable for cheap change detection.
func (c *Config) Hash() string {
	raw, _ := sonic.Config{SortMapKeys: true}.Froze().Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func getString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func getBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getList(name string) []string {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
