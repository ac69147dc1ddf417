package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice endpoint.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	// Credential exchange.
	CredentialURL      string  `yaml:"credential_url"`
	AuthorizationValue string  `yaml:"authorization_value"`
	ProductKey         string  `yaml:"product_key"`
	DeviceKey          string  `yaml:"device_key"`
	AccessSecret       string  `yaml:"access_secret"`
	InputAudioFormat   string  `yaml:"input_audio_format"`
	OutputAudioFormat  string  `yaml:"output_audio_format"`
	Temperature        float64 `yaml:"temperature"`
	NoiseReduction     string  `yaml:"noise_reduction"`

	TurnDetectionThreshold   float64 `yaml:"turn_detection_threshold"`
	TurnDetectionPrefixMS    int     `yaml:"turn_detection_prefix_ms"`
	TurnDetectionSilenceMS   int     `yaml:"turn_detection_silence_ms"`
	TurnDetectionInterrupt   bool    `yaml:"turn_detection_interrupt"`
	TurnDetectionAutoRespond bool    `yaml:"turn_detection_auto_respond"`

	// Streaming connection.
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	EventIDBound     int           `yaml:"event_id_bound"`
	InboundMaxBytes  int           `yaml:"inbound_max_bytes"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Standby.
	ConversationStandby time.Duration `yaml:"conversation_standby"`
	LowPowerStandby     time.Duration `yaml:"low_power_standby"`

	// Audio.
	ListeningSampleRate int           `yaml:"listening_sample_rate"`
	StreamingSampleRate int           `yaml:"streaming_sample_rate"`
	FrameDuration       time.Duration `yaml:"frame_duration"`
	CaptureQueueDepth   int           `yaml:"capture_queue_depth"`
	DefaultVolume       int           `yaml:"default_volume"`

	// Wakeword.
	WakeKeyword   string  `yaml:"wake_keyword"`
	WakeThreshold float64 `yaml:"wake_threshold"`

	// Persistence.
	SettingsPath string `yaml:"settings_path"`
	DatabaseURL  string `yaml:"database_url"`

	// Simulator platform.
	SimPlaybackWAV string `yaml:"sim_playback_wav"`
}

// Defaults returns the canonical defaults. Each timeout has exactly one value here.
func Defaults() Config {
	return Config{
		BindAddr:         ":8085",
		ShutdownTimeout:  10 * time.Second,
		MetricsNamespace: "voxlink",
		LogLevel:         "info",
		LogFormat:        "json",

		CredentialURL:     "https://aigc-api.acceleronix.io/v2/aibiz/openapi/v1/chatgpt/createSession",
		InputAudioFormat:  "g711_alaw",
		OutputAudioFormat: "g711_alaw",
		Temperature:       0.8,

		TurnDetectionThreshold:   0.45,
		TurnDetectionPrefixMS:    800,
		TurnDetectionSilenceMS:   500,
		TurnDetectionInterrupt:   true,
		TurnDetectionAutoRespond: true,

		DialTimeout:      10 * time.Second,
		WriteTimeout:     2 * time.Second,
		EventIDBound:     10000,
		InboundMaxBytes:  0,
		HandshakeTimeout: 10 * time.Second,

		ConversationStandby: 60 * time.Second,
		LowPowerStandby:     120 * time.Second,

		ListeningSampleRate: 16000,
		StreamingSampleRate: 8000,
		FrameDuration:       100 * time.Millisecond,
		CaptureQueueDepth:   16,
		DefaultVolume:       9,

		WakeKeyword:   "hey assistant",
		WakeThreshold: 0.7,

		SettingsPath: "voxlink-settings.json",
	}
}

// Load applies defaults, then the optional YAML file named by
// VOXLINK_CONFIG_FILE, then environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	if path := stringsTrimSpace("VOXLINK_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.CredentialURL = envOrDefault("REALTIME_CREDENTIAL_URL", cfg.CredentialURL)
	cfg.AuthorizationValue = envOrDefault("REALTIME_AUTHORIZATION", cfg.AuthorizationValue)
	cfg.ProductKey = envOrDefault("DEVICE_PRODUCT_KEY", cfg.ProductKey)
	cfg.DeviceKey = envOrDefault("DEVICE_KEY", cfg.DeviceKey)
	cfg.AccessSecret = envOrDefault("DEVICE_ACCESS_SECRET", cfg.AccessSecret)
	cfg.InputAudioFormat = envOrDefault("REALTIME_INPUT_AUDIO_FORMAT", cfg.InputAudioFormat)
	cfg.OutputAudioFormat = envOrDefault("REALTIME_OUTPUT_AUDIO_FORMAT", cfg.OutputAudioFormat)
	cfg.NoiseReduction = envOrDefault("REALTIME_NOISE_REDUCTION", cfg.NoiseReduction)
	cfg.WakeKeyword = envOrDefault("WAKE_KEYWORD", cfg.WakeKeyword)
	cfg.SettingsPath = envOrDefault("SETTINGS_PATH", cfg.SettingsPath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SimPlaybackWAV = envOrDefault("SIM_PLAYBACK_WAV", cfg.SimPlaybackWAV)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"REALTIME_DIAL_TIMEOUT", &cfg.DialTimeout},
		{"REALTIME_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"REALTIME_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"STANDBY_CONVERSATION_TIMEOUT", &cfg.ConversationStandby},
		{"STANDBY_LOW_POWER_TIMEOUT", &cfg.LowPowerStandby},
		{"AUDIO_FRAME_DURATION", &cfg.FrameDuration},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REALTIME_EVENT_ID_BOUND", &cfg.EventIDBound},
		{"REALTIME_INBOUND_MAX_BYTES", &cfg.InboundMaxBytes},
		{"REALTIME_TURN_PREFIX_MS", &cfg.TurnDetectionPrefixMS},
		{"REALTIME_TURN_SILENCE_MS", &cfg.TurnDetectionSilenceMS},
		{"AUDIO_LISTENING_SAMPLE_RATE", &cfg.ListeningSampleRate},
		{"AUDIO_STREAMING_SAMPLE_RATE", &cfg.StreamingSampleRate},
		{"AUDIO_CAPTURE_QUEUE_DEPTH", &cfg.CaptureQueueDepth},
		{"AUDIO_DEFAULT_VOLUME", &cfg.DefaultVolume},
	}
	for _, i := range ints {
		*i.dst, err = intFromEnv(i.key, *i.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.Temperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnDetectionThreshold, err = floatFromEnv("REALTIME_TURN_THRESHOLD", cfg.TurnDetectionThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.WakeThreshold, err = floatFromEnv("WAKE_THRESHOLD", cfg.WakeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnDetectionInterrupt, err = boolFromEnv("REALTIME_TURN_INTERRUPT", cfg.TurnDetectionInterrupt)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnDetectionAutoRespond, err = boolFromEnv("REALTIME_TURN_AUTO_RESPOND", cfg.TurnDetectionAutoRespond)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("REALTIME_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.ConversationStandby < time.Second {
		return fmt.Errorf("STANDBY_CONVERSATION_TIMEOUT must be at least 1s")
	}
	if c.LowPowerStandby < time.Second {
		return fmt.Errorf("STANDBY_LOW_POWER_TIMEOUT must be at least 1s")
	}
	if c.EventIDBound < 2 {
		return fmt.Errorf("REALTIME_EVENT_ID_BOUND must be at least 2")
	}
	if c.InboundMaxBytes < 0 {
		return fmt.Errorf("REALTIME_INBOUND_MAX_BYTES must be >= 0")
	}
	if c.ListeningSampleRate <= 0 || c.StreamingSampleRate <= 0 {
		return fmt.Errorf("audio sample rates must be positive")
	}
	if c.CaptureQueueDepth <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_QUEUE_DEPTH must be positive")
	}
	if c.DefaultVolume < 0 || c.DefaultVolume > 10 {
		return fmt.Errorf("AUDIO_DEFAULT_VOLUME must be within 0..10")
	}
	if c.WakeThreshold <= 0 || c.WakeThreshold > 1 {
		return fmt.Errorf("WAKE_THRESHOLD must be within (0,1]")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
