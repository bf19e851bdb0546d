// Package config handles loading and validating the hearth configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/hearthctl/hearth/internal/device"
)

// Config is the root configuration for the hearth controller.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Voice       VoiceConfig       `mapstructure:"voice"`
	Camera      CameraConfig      `mapstructure:"camera"`
	Lights      LightsConfig      `mapstructure:"lights"`
	Weather     WeatherConfig     `mapstructure:"weather"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Music       MusicConfig       `mapstructure:"music"`
	Session     SessionConfig     `mapstructure:"session"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the health check server settings.
type ServerConfig struct {
	HealthPort int `mapstructure:"health_port"`
}

// VoiceConfig configures speech output.
type VoiceConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	Endpoint string  `mapstructure:"endpoint"` // Wyoming TCP endpoint (host:port)
	Voice    string  `mapstructure:"voice"`    // synthesizer voice model name
	Rate     int     `mapstructure:"rate"`     // words per minute, scales synthesis speed
	Volume   float64 `mapstructure:"volume"`   // 0.0–1.0
	Player   string  `mapstructure:"player"`   // command that plays WAV from stdin
}

// CameraConfig configures the camera and the vision worker that owns it.
type CameraConfig struct {
	Source     int     `mapstructure:"source"`     // device index passed to the worker
	Framerate  int     `mapstructure:"framerate"`  // frames per second requested from the camera
	Width      int     `mapstructure:"width"`      // frames are downscaled to this width before detection
	Confidence float64 `mapstructure:"confidence"` // minimum face-detection confidence
	Worker     string  `mapstructure:"worker"`     // vision worker command
}

// LightsConfig configures the smart light controller.
type LightsConfig struct {
	Host              string           `mapstructure:"host"`
	Port              int              `mapstructure:"port"`
	DefaultBrightness int              `mapstructure:"default_brightness"`
	Colors            map[string][]int `mapstructure:"colors"` // name -> HSV triple
}

// WeatherConfig configures the weather client.
type WeatherConfig struct {
	APIURL        string  `mapstructure:"api_url"`
	Latitude      float64 `mapstructure:"latitude"`
	Longitude     float64 `mapstructure:"longitude"`
	City          string  `mapstructure:"city"`
	CacheDuration int     `mapstructure:"cache_duration"` // seconds
	UseMockData   bool    `mapstructure:"use_mock_data"`
	Username      string  `mapstructure:"username"`
	Password      string  `mapstructure:"password"`
}

// RecognitionConfig configures face recognition and session gating.
type RecognitionConfig struct {
	EncodingsFile        string  `mapstructure:"encodings_file"`
	Tolerance            float64 `mapstructure:"tolerance"`
	Interval             float64 `mapstructure:"interval"`     // seconds between observations
	Debounce             int     `mapstructure:"debounce"`     // consecutive matches before login
	GracePeriod          float64 `mapstructure:"grace_period"` // seconds absent before forced logout
	AllowUnauthenticated bool    `mapstructure:"allow_unauthenticated"`
}

// MusicConfig configures music playback.
type MusicConfig struct {
	DefaultFile string `mapstructure:"default_file"`
	Player      string `mapstructure:"player"`
	Volume      int    `mapstructure:"volume"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	Timeout  int `mapstructure:"timeout"` // seconds before an idle session is logged out
	MaxUsers int `mapstructure:"max_users"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./hearth.yaml, ./configs/hearth.yaml, /etc/hearth/hearth.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("voice.enabled", true)
	v.SetDefault("voice.endpoint", "localhost:10200")
	v.SetDefault("voice.voice", "en_US-lessac-medium")
	v.SetDefault("voice.rate", 160)
	v.SetDefault("voice.volume", 1.0)
	v.SetDefault("voice.player", "aplay")
	v.SetDefault("camera.source", 0)
	v.SetDefault("camera.framerate", 2)
	v.SetDefault("camera.width", 500)
	v.SetDefault("camera.confidence", 0.8)
	v.SetDefault("camera.worker", "hearth-vision")
	v.SetDefault("lights.host", "192.168.12.238")
	v.SetDefault("lights.port", 9999)
	v.SetDefault("lights.default_brightness", 80)
	v.SetDefault("lights.colors", map[string][]int{
		"red":   {0, 100, 80},
		"green": {123, 86, 80},
		"blue":  {245, 84, 70},
		"white": {0, 0, 100},
	})
	v.SetDefault("weather.api_url", "https://api.meteomatics.com")
	v.SetDefault("weather.latitude", 41.8781)
	v.SetDefault("weather.longitude", -87.6298)
	v.SetDefault("weather.city", "Chicago")
	v.SetDefault("weather.cache_duration", 300)
	v.SetDefault("weather.use_mock_data", true)
	v.SetDefault("recognition.encodings_file", "encodings.yaml")
	v.SetDefault("recognition.tolerance", 0.6)
	v.SetDefault("recognition.interval", 1.0)
	v.SetDefault("recognition.debounce", 2)
	v.SetDefault("recognition.grace_period", 30.0)
	v.SetDefault("recognition.allow_unauthenticated", false)
	v.SetDefault("music.default_file", "music.mp3")
	v.SetDefault("music.player", "mpg123")
	v.SetDefault("music.volume", 80)
	v.SetDefault("session.timeout", 3600)
	v.SetDefault("session.max_users", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("hearth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hearth")
	}

	// Environment variables: HEARTH_LIGHTS_HOST, HEARTH_WEATHER_USE_MOCK_DATA, etc.
	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in credential fields (e.g., "${METEOMATICS_PASSWORD}")
	cfg.Weather.Username = resolveEnvRef(cfg.Weather.Username)
	cfg.Weather.Password = resolveEnvRef(cfg.Weather.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that would otherwise fail obscurely at runtime.
// A validation failure is fatal at startup. The returned error wraps
// device.ErrConfiguration so it classifies as KindConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Recognition.Tolerance <= 0 || c.Recognition.Tolerance > 1 {
		return fmt.Errorf("recognition.tolerance must be in (0, 1], got %v", c.Recognition.Tolerance)
	}
	if c.Recognition.Interval <= 0 {
		return fmt.Errorf("recognition.interval must be positive, got %v", c.Recognition.Interval)
	}
	if c.Recognition.Debounce < 1 {
		return fmt.Errorf("recognition.debounce must be at least 1, got %d", c.Recognition.Debounce)
	}
	if c.Lights.Host == "" {
		return fmt.Errorf("lights.host must be set")
	}
	if c.Lights.Port <= 0 || c.Lights.Port > 65535 {
		return fmt.Errorf("lights.port must be a valid port, got %d", c.Lights.Port)
	}
	if c.Lights.DefaultBrightness < 0 || c.Lights.DefaultBrightness > 100 {
		return fmt.Errorf("lights.default_brightness must be 0-100, got %d", c.Lights.DefaultBrightness)
	}
	for name, hsv := range c.Lights.Colors {
		if len(hsv) != 3 {
			return fmt.Errorf("lights.colors.%s must be an HSV triple, got %v", name, hsv)
		}
	}
	if c.Weather.CacheDuration < 0 {
		return fmt.Errorf("weather.cache_duration must not be negative, got %d", c.Weather.CacheDuration)
	}
	if c.Music.Volume < 0 || c.Music.Volume > 100 {
		return fmt.Errorf("music.volume must be 0-100, got %d", c.Music.Volume)
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive, got %d", c.Session.Timeout)
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
