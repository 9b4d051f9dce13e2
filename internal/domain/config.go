package domain

import (
	"path/filepath"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Session      SessionConfig      `mapstructure:"session"`
	Media        MediaConfig        `mapstructure:"media"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains download-related configuration.
// WorkDir, OutputDir and LogsDirectory are resolved against BaseDir when relative.
type DownloadConfig struct {
	BaseDir          string        `mapstructure:"base_dir"`
	WorkDir          string        `mapstructure:"work_dir"`
	OutputDir        string        `mapstructure:"output_dir"`
	LogsDirectory    string        `mapstructure:"logs_dir"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	ConcurrentLimit  int           `mapstructure:"concurrent_limit"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	KeepIntermediate bool          `mapstructure:"keep_intermediate"`
	AutoStartWorkers bool          `mapstructure:"auto_start_workers"`
}

// QueueConfig contains queue-related configuration
type QueueConfig struct {
	DatabasePath    string        `mapstructure:"database_path"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	AutoExitOnEmpty bool          `mapstructure:"auto_exit_on_empty"`
	EmptyWaitTime   time.Duration `mapstructure:"empty_wait_time"`
}

// SessionConfig describes how video pages are fetched and which headers
// accompany stream requests.
type SessionConfig struct {
	CookieFile      string   `mapstructure:"cookie_file"`
	PageURLTemplate string   `mapstructure:"page_url_template"`
	ShortLinkHosts  []string `mapstructure:"short_link_hosts"`
	UserAgent       string   `mapstructure:"user_agent"`
	Referer         string   `mapstructure:"referer"`
	Origin          string   `mapstructure:"origin"`
}

// MediaConfig contains the external media tool binaries
type MediaConfig struct {
	FFmpegBinary  string `mapstructure:"ffmpeg_binary"`
	FFprobeBinary string `mapstructure:"ffprobe_binary"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8091,
		},
		Download: DownloadConfig{
			BaseDir:          "$HOME/Downloads/bili-extract",
			WorkDir:          "download",
			OutputDir:        "output",
			LogsDirectory:    "logs",
			MaxRetries:       5,
			RetryDelay:       2 * time.Second,
			RequestTimeout:   10 * time.Second,
			ChunkSize:        8192,
			ConcurrentLimit:  1,
			EventBuffer:      64,
			KeepIntermediate: true,
			AutoStartWorkers: true,
		},
		Queue: QueueConfig{
			DatabasePath:    "$HOME/Downloads/bili-extract/queue.db",
			CheckInterval:   5 * time.Second,
			AutoExitOnEmpty: false,
			EmptyWaitTime:   5 * time.Minute,
		},
		Session: SessionConfig{
			CookieFile:      "$HOME/.bili-extract/cookies.txt",
			PageURLTemplate: "https://www.bilibili.com/video/%s/",
			ShortLinkHosts:  []string{"b23.tv"},
			UserAgent:       "Mozilla/5.0",
			Referer:         "https://www.bilibili.com",
			Origin:          "https://www.bilibili.com",
		},
		Media: MediaConfig{
			FFmpegBinary:  "ffmpeg",
			FFprobeBinary: "ffprobe",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Sound:   false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}

// WorkPath returns the directory holding raw downloaded streams
func (c *DownloadConfig) WorkPath() string {
	return c.resolve(c.WorkDir)
}

// OutputPath returns the directory holding muxed files
func (c *DownloadConfig) OutputPath() string {
	return c.resolve(c.OutputDir)
}

// LogsDir returns the directory for per-day log files
func (c *DownloadConfig) LogsDir() string {
	return c.resolve(c.LogsDirectory)
}

func (c *DownloadConfig) resolve(dir string) string {
	if dir == "" || filepath.IsAbs(dir) || c.BaseDir == "" {
		return dir
	}
	return filepath.Join(c.BaseDir, dir)
}
