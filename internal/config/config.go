package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/viper"
)

// Stream modes accepted in config and on the command line.
const (
	ModeBatch      = "batch"
	ModeStreaming  = "streaming"
	ModeDualStream = "dual-stream"
)

// Fixed wire parameters. They are not renegotiated during a session.
const (
	SampleRate   = 16000
	ChannelCount = 1
)

type Config struct {
	ServerURL    string `mapstructure:"server_url" yaml:"server_url" validate:"required,url"`
	AuthToken    string `mapstructure:"auth_token" yaml:"auth_token"`
	AuthEmail    string `mapstructure:"auth_email" yaml:"auth_email" validate:"omitempty,email"`
	AuthPassword string `mapstructure:"auth_password" yaml:"auth_password"`
	DeviceName   string `mapstructure:"device_name" yaml:"device_name"`

	Mode           string `mapstructure:"mode" yaml:"mode" validate:"oneof=batch streaming dual-stream"`
	SampleRate     int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	ChannelCount   int    `mapstructure:"channel_count" yaml:"channel_count"`
	BufferSize     int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	InputDevice    string `mapstructure:"input_device" yaml:"input_device"`
	LoopbackDevice string `mapstructure:"loopback_device" yaml:"loopback_device"`

	KeepaliveSeconds        int    `mapstructure:"keepalive_seconds" yaml:"keepalive_seconds"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	LegacyPath              string `mapstructure:"legacy_path" yaml:"legacy_path" validate:"startswith=/"`
	DualStreamPath          string `mapstructure:"dual_stream_path" yaml:"dual_stream_path" validate:"startswith=/"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
}

func Default() *Config {
	return &Config{
		ServerURL:               "http://localhost:8000",
		DeviceName:              defaultDeviceName(),
		Mode:                    ModeStreaming,
		SampleRate:              SampleRate,
		ChannelCount:            ChannelCount,
		BufferSize:              4096,
		KeepaliveSeconds:        30,
		HandshakeTimeoutSeconds: 5,
		LegacyPath:              "/ws_pcm",
		DualStreamPath:          "/ws",
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load reads capture.yaml from cfgFile or the platform config directory,
// then overlays BREEZE_CAPTURE_* environment variables. A missing file is
// not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("capture")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv applies to Unmarshal even when
// the key is absent from the file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server_url", "auth_token", "auth_email", "auth_password", "device_name",
		"mode", "sample_rate", "channel_count", "buffer_size", "input_device", "loopback_device",
		"keepalive_seconds", "handshake_timeout_seconds", "legacy_path", "dual_stream_path",
		"log_level", "log_format", "log_file",
	} {
		_ = v.BindEnv(key)
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.AuthToken != "" {
		out.AuthToken = "********"
	}
	if out.AuthPassword != "" {
		out.AuthPassword = "********"
	}
	return &out
}

func defaultDeviceName() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "breeze-capture"
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Breeze")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Breeze")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "breeze")
		}
		return filepath.Join(os.Getenv("HOME"), ".config", "breeze")
	}
}
