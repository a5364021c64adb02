package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, wav
	Command         string `yaml:"command"`
	Path            string `yaml:"path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	FFTSize         int    `yaml:"fft_size"`
	LevelEveryMS    int    `yaml:"level_every_ms"`
}

type SpeechConfig struct {
	Mode             string `yaml:"mode"` // mock, exec
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	InterimResults   bool   `yaml:"interim_results"`
}

type AttachmentConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type ChatConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	UserID    string `yaml:"user_id"`
	Language  string `yaml:"language"`
}

type StoreConfig struct {
	TitleMaxRunes int `yaml:"title_max_runes"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	EngineName  string           `yaml:"engine_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	Speech      SpeechConfig     `yaml:"speech"`
	Attachment  AttachmentConfig `yaml:"attachment"`
	Chat        ChatConfig       `yaml:"chat"`
	Store       StoreConfig      `yaml:"store"`
	Journal     JournalConfig    `yaml:"journal"`
}

func Default() Config {
	return Config{
		EngineName:  "vaani-engine",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			FFTSize:         256,
			LevelEveryMS:    50,
		},
		Speech: SpeechConfig{
			Mode:             "mock",
			Language:         "en",
			SilenceTimeoutMS: 5000,
			InterimResults:   true,
		},
		Attachment: AttachmentConfig{
			MaxBytes: 5 * 1024 * 1024,
		},
		Chat: ChatConfig{
			BaseURL:   "http://localhost:8000/api",
			TimeoutMS: 30000,
			Language:  "en",
		},
		Store: StoreConfig{
			TitleMaxRunes: 50,
		},
		Journal: JournalConfig{
			Path:          "./data/vaani-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.EngineName, "VAANI_ENGINE_NAME")
	overrideString(&cfg.Environment, "VAANI_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VAANI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VAANI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VAANI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VAANI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VAANI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VAANI_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VAANI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VAANI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VAANI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VAANI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VAANI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VAANI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VAANI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VAANI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "VAANI_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "VAANI_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Path, "VAANI_CAPTURE_PATH")
	overrideInt(&cfg.Capture.SampleRate, "VAANI_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "VAANI_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "VAANI_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.FFTSize, "VAANI_CAPTURE_FFT_SIZE")
	overrideInt(&cfg.Capture.LevelEveryMS, "VAANI_CAPTURE_LEVEL_EVERY_MS")
	overrideString(&cfg.Speech.Mode, "VAANI_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "VAANI_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "VAANI_SPEECH_MODEL_PATH")
	overrideString(&cfg.Speech.Language, "VAANI_SPEECH_LANGUAGE")
	overrideInt(&cfg.Speech.SilenceTimeoutMS, "VAANI_SPEECH_SILENCE_TIMEOUT_MS")
	overrideBool(&cfg.Speech.InterimResults, "VAANI_SPEECH_INTERIM_RESULTS")
	overrideInt64(&cfg.Attachment.MaxBytes, "VAANI_ATTACHMENT_MAX_BYTES")
	overrideString(&cfg.Chat.BaseURL, "VAANI_CHAT_BASE_URL")
	overrideInt(&cfg.Chat.TimeoutMS, "VAANI_CHAT_TIMEOUT_MS")
	overrideString(&cfg.Chat.UserID, "VAANI_CHAT_USER_ID")
	overrideString(&cfg.Chat.Language, "VAANI_CHAT_LANGUAGE")
	overrideInt(&cfg.Store.TitleMaxRunes, "VAANI_STORE_TITLE_MAX_RUNES")
	overrideString(&cfg.Journal.Path, "VAANI_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "VAANI_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "VAANI_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "VAANI_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "VAANI_JOURNAL_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.EngineName == "" {
		return errors.New("engine_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec", "wav":
	default:
		return errors.New("capture.mode must be one of mock|exec|wav")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.Mode == "wav" && cfg.Capture.Path == "" {
		return errors.New("capture.path must be set when mode=wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FFTSize <= 0 || cfg.Capture.FFTSize&(cfg.Capture.FFTSize-1) != 0 {
		return errors.New("capture.fft_size must be a positive power of two")
	}
	switch cfg.Speech.Mode {
	case "mock", "exec":
	default:
		return errors.New("speech.mode must be one of mock|exec")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.SilenceTimeoutMS <= 0 {
		return errors.New("speech.silence_timeout_ms must be positive")
	}
	if cfg.Attachment.MaxBytes <= 0 {
		return errors.New("attachment.max_bytes must be positive")
	}
	if cfg.Chat.BaseURL == "" {
		return errors.New("chat.base_url must not be empty")
	}
	if cfg.Chat.TimeoutMS <= 0 {
		return errors.New("chat.timeout_ms must be positive")
	}
	if cfg.Store.TitleMaxRunes <= 0 {
		return errors.New("store.title_max_runes must be positive")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
