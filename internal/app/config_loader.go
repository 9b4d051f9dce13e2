package app

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// LoadConfig loads configuration from file and environment. An empty
// configPath searches ./configs, $HOME/.bili-extract and /etc/bili-extract
// for config.yaml; a missing file leaves the defaults in place.
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.bili-extract")
		v.AddConfigPath("/etc/bili-extract")
	}

	// BILIEXTRACT_DOWNLOAD_MAX_RETRIES overrides download.max_retries
	v.SetEnvPrefix("BILIEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, configKeys)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// configKeys lists the keys environment variables may override. viper
// only consults the environment during Unmarshal for keys it knows about.
var configKeys = []string{
	"server.host", "server.port",
	"download.base_dir", "download.work_dir", "download.output_dir", "download.logs_dir",
	"download.max_retries", "download.retry_delay", "download.request_timeout",
	"download.chunk_size", "download.concurrent_limit", "download.event_buffer",
	"download.keep_intermediate", "download.auto_start_workers",
	"queue.database_path", "queue.check_interval", "queue.auto_exit_on_empty", "queue.empty_wait_time",
	"session.cookie_file", "session.page_url_template", "session.user_agent",
	"session.referer", "session.origin",
	"media.ffmpeg_binary", "media.ffprobe_binary",
	"notification.enabled", "notification.sound", "notification.method",
	"logging.level", "logging.format", "logging.output_path",
}

func bindEnvKeys(v *viper.Viper, keys []string) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) {
	config.Download.BaseDir = expandPath(config.Download.BaseDir)
	config.Download.WorkDir = expandPath(config.Download.WorkDir)
	config.Download.OutputDir = expandPath(config.Download.OutputDir)
	config.Download.LogsDirectory = expandPath(config.Download.LogsDirectory)
	config.Queue.DatabasePath = expandPath(config.Queue.DatabasePath)
	config.Session.CookieFile = expandPath(config.Session.CookieFile)

	switch config.Logging.OutputPath {
	case "stdout", "stderr", "discard", "":
	default:
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}
}

// expandPath expands environment variables and a leading ~ in path
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
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

	if config.Download.BaseDir == "" {
		return fmt.Errorf("download base directory not configured")
	}

	if config.Download.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}

	if config.Download.RetryDelay < 0 || config.Download.RequestTimeout < 0 {
		return fmt.Errorf("retry delay and request timeout cannot be negative")
	}

	if config.Download.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive")
	}

	if config.Download.ConcurrentLimit < 1 {
		return fmt.Errorf("concurrent limit must be at least 1")
	}

	if config.Download.EventBuffer < 1 {
		return fmt.Errorf("event buffer must be at least 1")
	}

	if config.Queue.DatabasePath == "" {
		return fmt.Errorf("queue database path not configured")
	}

	if config.Queue.CheckInterval <= 0 {
		return fmt.Errorf("queue check interval must be positive")
	}

	if !strings.Contains(config.Session.PageURLTemplate, "%s") {
		return fmt.Errorf("session page_url_template must contain %%s")
	}

	if config.Media.FFmpegBinary == "" || config.Media.FFprobeBinary == "" {
		return fmt.Errorf("ffmpeg and ffprobe binaries must be configured")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range settingsOf(reflect.ValueOf(config)).(map[string]interface{}) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// settingsOf converts a config struct into nested maps keyed by the
// mapstructure tags, so the written file reads back through LoadConfig.
// Durations are written in their string form.
func settingsOf(v reflect.Value) interface{} {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Type() == reflect.TypeOf(time.Duration(0)) {
		return time.Duration(v.Int()).String()
	}
	if v.Kind() != reflect.Struct {
		return v.Interface()
	}

	out := make(map[string]interface{}, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || !field.IsExported() {
			continue
		}
		out[key] = settingsOf(v.Field(i))
	}
	return out
}
