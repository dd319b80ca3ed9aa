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

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Capture       CaptureConfig       `yaml:"capture"`
	Vad           VadConfig           `yaml:"vad"`
	STT           STTConfig           `yaml:"stt"`
	Completion    CompletionConfig    `yaml:"completion"`
	Conversations ConversationsConfig `yaml:"conversations"`
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

// CaptureConfig drives the dual-track capture orchestrator.
type CaptureConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Mode              string  `yaml:"mode"` // vad, continuous
	IncludeMicrophone bool    `yaml:"include_microphone"`
	DeviceID          string  `yaml:"device_id"`
	MaxContinuousSecs int     `yaml:"max_continuous_secs"`
	SystemGain        float64 `yaml:"system_gain"`
	MicrophoneGain    float64 `yaml:"microphone_gain"`
	PermissionRetries int     `yaml:"permission_retries"`
}

// VadConfig is the segmentation policy shared by both tracks. Tracks that
// share a config derive the same silence-to-cutoff latency:
// silence_chunks * hop_size / sample_rate.
type VadConfig struct {
	Enabled                  bool    `yaml:"enabled" json:"enabled"`
	HopSize                  int     `yaml:"hop_size" json:"hop_size"`
	SensitivityRMS           float64 `yaml:"sensitivity_rms" json:"sensitivity_rms"`
	PeakThreshold            float64 `yaml:"peak_threshold" json:"peak_threshold"`
	SilenceChunks            int     `yaml:"silence_chunks" json:"silence_chunks"`
	MinSpeechChunks          int     `yaml:"min_speech_chunks" json:"min_speech_chunks"`
	PreSpeechChunks          int     `yaml:"pre_speech_chunks" json:"pre_speech_chunks"`
	NoiseGateThreshold       float64 `yaml:"noise_gate_threshold" json:"noise_gate_threshold"`
	MaxRecordingDurationSecs int     `yaml:"max_recording_duration_secs" json:"max_recording_duration_secs"`
}

// SilenceCutoffSecs returns the latency between the last speech frame and
// the utterance being finalized.
func (v VadConfig) SilenceCutoffSecs(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(v.SilenceChunks) * float64(v.HopSize) / float64(sampleRate)
}

type STTConfig struct {
	Mode            string            `yaml:"mode"` // template, hosted, exec, mock
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	BodyTemplate    string            `yaml:"body_template"`
	Transport       string            `yaml:"transport"` // binary, multipart, json_base64
	ResponsePath    string            `yaml:"response_path"`
	APIKey          string            `yaml:"api_key"`
	Model           string            `yaml:"model"`
	Language        string            `yaml:"language"`
	HostedURL       string            `yaml:"hosted_url"`
	HostedAPIKey    string            `yaml:"hosted_api_key"`
	HostedEntitled  bool              `yaml:"hosted_entitled"`
	Command         string            `yaml:"command"`
	ModelPath       string            `yaml:"model_path"`
	TimeoutSecs     int               `yaml:"timeout_secs"`
	MinDurationSecs float64           `yaml:"min_duration_secs"`
	MaxDurationSecs float64           `yaml:"max_duration_secs"`
}

type CompletionConfig struct {
	Mode              string            `yaml:"mode"` // template, mock
	URL               string            `yaml:"url"`
	Headers           map[string]string `yaml:"headers"`
	BodyTemplate      string            `yaml:"body_template"`
	StreamFormat      string            `yaml:"stream_format"` // ndjson, sse
	ResponsePath      string            `yaml:"response_path"`
	APIKey            string            `yaml:"api_key"`
	Model             string            `yaml:"model"`
	SystemPrompt      string            `yaml:"system_prompt"`
	MaxTokens         int               `yaml:"max_tokens"`
	Temperature       float64           `yaml:"temperature"`
	TimeoutSecs       int               `yaml:"timeout_secs"`
	HistoryCharBudget int               `yaml:"history_char_budget"`
}

type ConversationsConfig struct {
	Path             string `yaml:"path"`
	MaxConversations int    `yaml:"max_conversations"`
	DebounceMS       int    `yaml:"debounce_ms"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			SampleRate:        44100,
			Mode:              "vad",
			IncludeMicrophone: false,
			MaxContinuousSecs: 300,
			SystemGain:        1.0,
			MicrophoneGain:    1.0,
			PermissionRetries: 3,
		},
		Vad: VadConfig{
			Enabled:                  true,
			HopSize:                  1024,
			SensitivityRMS:           0.01,
			PeakThreshold:            0.02,
			SilenceChunks:            45,
			MinSpeechChunks:          10,
			PreSpeechChunks:          10,
			NoiseGateThreshold:       0.003,
			MaxRecordingDurationSecs: 60,
		},
		STT: STTConfig{
			Mode:            "mock",
			Transport:       "multipart",
			ResponsePath:    "text",
			TimeoutSecs:     30,
			MinDurationSecs: 0.3,
			MaxDurationSecs: 600,
		},
		Completion: CompletionConfig{
			Mode:              "mock",
			StreamFormat:      "ndjson",
			ResponsePath:      "response",
			MaxTokens:         256,
			Temperature:       0.7,
			TimeoutSecs:       60,
			HistoryCharBudget: 4000,
		},
		Conversations: ConversationsConfig{
			Path:             "./data/murmur-conversations.db",
			MaxConversations: 500,
			DebounceMS:       750,
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
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMUR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Capture.SampleRate, "MURMUR_CAPTURE_SAMPLE_RATE")
	overrideString(&cfg.Capture.Mode, "MURMUR_CAPTURE_MODE")
	overrideBool(&cfg.Capture.IncludeMicrophone, "MURMUR_CAPTURE_INCLUDE_MICROPHONE")
	overrideString(&cfg.Capture.DeviceID, "MURMUR_CAPTURE_DEVICE_ID")
	overrideInt(&cfg.Capture.MaxContinuousSecs, "MURMUR_CAPTURE_MAX_CONTINUOUS_SECS")
	overrideFloat(&cfg.Capture.SystemGain, "MURMUR_CAPTURE_SYSTEM_GAIN")
	overrideFloat(&cfg.Capture.MicrophoneGain, "MURMUR_CAPTURE_MICROPHONE_GAIN")
	overrideInt(&cfg.Capture.PermissionRetries, "MURMUR_CAPTURE_PERMISSION_RETRIES")
	overrideBool(&cfg.Vad.Enabled, "MURMUR_VAD_ENABLED")
	overrideInt(&cfg.Vad.HopSize, "MURMUR_VAD_HOP_SIZE")
	overrideFloat(&cfg.Vad.SensitivityRMS, "MURMUR_VAD_SENSITIVITY_RMS")
	overrideFloat(&cfg.Vad.PeakThreshold, "MURMUR_VAD_PEAK_THRESHOLD")
	overrideInt(&cfg.Vad.SilenceChunks, "MURMUR_VAD_SILENCE_CHUNKS")
	overrideInt(&cfg.Vad.MinSpeechChunks, "MURMUR_VAD_MIN_SPEECH_CHUNKS")
	overrideInt(&cfg.Vad.PreSpeechChunks, "MURMUR_VAD_PRE_SPEECH_CHUNKS")
	overrideFloat(&cfg.Vad.NoiseGateThreshold, "MURMUR_VAD_NOISE_GATE_THRESHOLD")
	overrideInt(&cfg.Vad.MaxRecordingDurationSecs, "MURMUR_VAD_MAX_RECORDING_DURATION_SECS")
	overrideString(&cfg.STT.Mode, "MURMUR_STT_MODE")
	overrideString(&cfg.STT.URL, "MURMUR_STT_URL")
	overrideString(&cfg.STT.Transport, "MURMUR_STT_TRANSPORT")
	overrideString(&cfg.STT.ResponsePath, "MURMUR_STT_RESPONSE_PATH")
	overrideString(&cfg.STT.APIKey, "MURMUR_STT_API_KEY")
	overrideString(&cfg.STT.Model, "MURMUR_STT_MODEL")
	overrideString(&cfg.STT.Language, "MURMUR_STT_LANGUAGE")
	overrideString(&cfg.STT.HostedURL, "MURMUR_STT_HOSTED_URL")
	overrideString(&cfg.STT.HostedAPIKey, "MURMUR_STT_HOSTED_API_KEY")
	overrideBool(&cfg.STT.HostedEntitled, "MURMUR_STT_HOSTED_ENTITLED")
	overrideString(&cfg.STT.Command, "MURMUR_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MURMUR_STT_MODEL_PATH")
	overrideInt(&cfg.STT.TimeoutSecs, "MURMUR_STT_TIMEOUT_SECS")
	overrideFloat(&cfg.STT.MinDurationSecs, "MURMUR_STT_MIN_DURATION_SECS")
	overrideFloat(&cfg.STT.MaxDurationSecs, "MURMUR_STT_MAX_DURATION_SECS")
	overrideString(&cfg.Completion.Mode, "MURMUR_COMPLETION_MODE")
	overrideString(&cfg.Completion.URL, "MURMUR_COMPLETION_URL")
	overrideString(&cfg.Completion.StreamFormat, "MURMUR_COMPLETION_STREAM_FORMAT")
	overrideString(&cfg.Completion.ResponsePath, "MURMUR_COMPLETION_RESPONSE_PATH")
	overrideString(&cfg.Completion.APIKey, "MURMUR_COMPLETION_API_KEY")
	overrideString(&cfg.Completion.Model, "MURMUR_COMPLETION_MODEL")
	overrideString(&cfg.Completion.SystemPrompt, "MURMUR_COMPLETION_SYSTEM_PROMPT")
	overrideInt(&cfg.Completion.MaxTokens, "MURMUR_COMPLETION_MAX_TOKENS")
	overrideFloat(&cfg.Completion.Temperature, "MURMUR_COMPLETION_TEMPERATURE")
	overrideInt(&cfg.Completion.TimeoutSecs, "MURMUR_COMPLETION_TIMEOUT_SECS")
	overrideInt(&cfg.Completion.HistoryCharBudget, "MURMUR_COMPLETION_HISTORY_CHAR_BUDGET")
	overrideString(&cfg.Conversations.Path, "MURMUR_CONVERSATIONS_PATH")
	overrideInt(&cfg.Conversations.MaxConversations, "MURMUR_CONVERSATIONS_MAX")
	overrideInt(&cfg.Conversations.DebounceMS, "MURMUR_CONVERSATIONS_DEBOUNCE_MS")
	overrideBool(&cfg.Conversations.VacuumOnStart, "MURMUR_CONVERSATIONS_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
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
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	switch cfg.Capture.Mode {
	case "vad", "continuous":
	default:
		return errors.New("capture.mode must be one of vad|continuous")
	}
	if cfg.Capture.MaxContinuousSecs <= 0 {
		return errors.New("capture.max_continuous_secs must be positive")
	}
	if cfg.Capture.PermissionRetries < 0 {
		return errors.New("capture.permission_retries must be >= 0")
	}
	if err := ValidateVad(cfg.Vad); err != nil {
		return err
	}
	switch cfg.STT.Mode {
	case "template", "hosted", "exec", "mock":
	default:
		return errors.New("stt.mode must be one of template|hosted|exec|mock")
	}
	if cfg.STT.Mode == "template" && cfg.STT.URL == "" {
		return errors.New("stt.url must be set when mode=template")
	}
	if cfg.STT.Mode == "hosted" && cfg.STT.HostedURL == "" {
		return errors.New("stt.hosted_url must be set when mode=hosted")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	switch cfg.STT.Transport {
	case "binary", "multipart", "json_base64":
	default:
		return errors.New("stt.transport must be one of binary|multipart|json_base64")
	}
	if cfg.STT.TimeoutSecs <= 0 {
		return errors.New("stt.timeout_secs must be positive")
	}
	if cfg.STT.MinDurationSecs < 0 || cfg.STT.MaxDurationSecs <= cfg.STT.MinDurationSecs {
		return errors.New("stt duration bounds must satisfy 0 <= min < max")
	}
	switch cfg.Completion.Mode {
	case "template", "mock":
	default:
		return errors.New("completion.mode must be one of template|mock")
	}
	if cfg.Completion.Mode == "template" && cfg.Completion.URL == "" {
		return errors.New("completion.url must be set when mode=template")
	}
	switch cfg.Completion.StreamFormat {
	case "ndjson", "sse":
	default:
		return errors.New("completion.stream_format must be one of ndjson|sse")
	}
	if cfg.Completion.HistoryCharBudget < 0 {
		return errors.New("completion.history_char_budget must be >= 0")
	}
	if cfg.Conversations.Path == "" {
		return errors.New("conversations.path must not be empty")
	}
	if cfg.Conversations.DebounceMS < 0 {
		return errors.New("conversations.debounce_ms must be >= 0")
	}
	return nil
}

// ValidateVad checks a segmentation policy on its own; the orchestrator
// runs this on hot config updates before applying them.
func ValidateVad(v VadConfig) error {
	if v.HopSize <= 0 {
		return errors.New("vad.hop_size must be positive")
	}
	if v.SensitivityRMS < 0 || v.PeakThreshold < 0 || v.NoiseGateThreshold < 0 {
		return errors.New("vad thresholds must be non-negative")
	}
	if v.SilenceChunks < 0 || v.MinSpeechChunks < 0 || v.PreSpeechChunks < 0 {
		return errors.New("vad chunk counts must be non-negative")
	}
	if v.MaxRecordingDurationSecs < 0 {
		return errors.New("vad.max_recording_duration_secs must be non-negative")
	}
	return nil
}
