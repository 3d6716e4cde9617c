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
	Node          NodeConfig          `yaml:"node"`
	ProgressStore ProgressStoreConfig `yaml:"progress_store"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	TTS           TTSConfig           `yaml:"tts"`
	STT           STTConfig           `yaml:"stt"`
	LLM           LLMConfig           `yaml:"llm"`
	Verification  VerificationConfig  `yaml:"verification"`
	Capture       CaptureConfig       `yaml:"capture"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Narration     NarrationConfig     `yaml:"narration"`
	Lessons       LessonsConfig       `yaml:"lessons"`
	Practice      PracticeConfig      `yaml:"practice"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"` // enables JetStream on the embedded server
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

type ProgressStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	PublishEvents bool   `yaml:"publish_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// OpenAIConfig is shared by every OpenAI-backed component.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type VerificationConfig struct {
	Mode              string  `yaml:"mode"` // client, server
	Threshold         float64 `yaml:"threshold"`
	Judge             string  `yaml:"judge"` // remote, llm
	Endpoint          string  `yaml:"endpoint"`
	AffirmativeMarker string  `yaml:"affirmative_marker"`
	TimeoutMS         int     `yaml:"timeout_ms"`
}

type CaptureConfig struct {
	Mode                string `yaml:"mode"` // mock, ffmpeg
	Command             string `yaml:"command"`
	InputFormat         string `yaml:"input_format"`
	InputDevice         string `yaml:"input_device"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	PermissionTimeoutMS int    `yaml:"permission_timeout_ms"`
}

type PlaybackConfig struct {
	Mode    string `yaml:"mode"` // discard, exec
	Command string `yaml:"command"`
}

type NarrationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	InterfaceLanguage string `yaml:"interface_language"`
}

type LessonsConfig struct {
	Mode      string `yaml:"mode"` // file, generated
	Directory string `yaml:"directory"`
}

type PracticeConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DefaultLanguage     string `yaml:"default_language"`
	PrefetchConcurrency int    `yaml:"prefetch_concurrency"`
	MaxSessions         int    `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tutor",
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
		Node: NodeConfig{
			ID:   "loqa-tutor-1",
			Role: "tutor",
		},
		ProgressStore: ProgressStoreConfig{
			Path:          "./data/loqa-progress.db",
			RetentionMode: "persistent",
			PublishEvents: true,
		},
		OpenAI: OpenAIConfig{
			TimeoutMS: 30000,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Model:      "tts-1",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  20000,
		},
		STT: STTConfig{
			Mode:       "mock",
			Model:      "whisper-1",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Enabled:       false,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     1024,
			Temperature:   0.7,
		},
		Verification: VerificationConfig{
			Mode:              "client",
			Threshold:         0.97,
			Judge:             "llm",
			AffirmativeMarker: "Correct",
			TimeoutMS:         15000,
		},
		Capture: CaptureConfig{
			Mode:                "mock",
			Command:             "ffmpeg",
			SampleRate:          16000,
			Channels:            1,
			PermissionTimeoutMS: 5000,
		},
		Playback: PlaybackConfig{
			Mode: "discard",
		},
		Narration: NarrationConfig{
			Enabled:           true,
			InterfaceLanguage: "en",
		},
		Lessons: LessonsConfig{
			Mode:      "file",
			Directory: "./lessons",
		},
		Practice: PracticeConfig{
			Enabled:             true,
			DefaultLanguage:     "es",
			PrefetchConcurrency: 2,
			MaxSessions:         64,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideString(&cfg.ProgressStore.Path, "LOQA_PROGRESS_STORE_PATH")
	overrideString(&cfg.ProgressStore.RetentionMode, "LOQA_PROGRESS_STORE_RETENTION_MODE")
	overrideBool(&cfg.ProgressStore.PublishEvents, "LOQA_PROGRESS_STORE_PUBLISH_EVENTS")
	overrideBool(&cfg.ProgressStore.VacuumOnStart, "LOQA_PROGRESS_STORE_VACUUM_ON_START")
	overrideString(&cfg.OpenAI.APIKey, "LOQA_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "LOQA_OPENAI_BASE_URL")
	overrideString(&cfg.OpenAI.Organization, "LOQA_OPENAI_ORGANIZATION")
	overrideInt(&cfg.OpenAI.TimeoutMS, "LOQA_OPENAI_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.Verification.Mode, "LOQA_VERIFICATION_MODE")
	overrideFloat(&cfg.Verification.Threshold, "LOQA_VERIFICATION_THRESHOLD")
	overrideString(&cfg.Verification.Judge, "LOQA_VERIFICATION_JUDGE")
	overrideString(&cfg.Verification.Endpoint, "LOQA_VERIFICATION_ENDPOINT")
	overrideString(&cfg.Verification.AffirmativeMarker, "LOQA_VERIFICATION_AFFIRMATIVE_MARKER")
	overrideInt(&cfg.Verification.TimeoutMS, "LOQA_VERIFICATION_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.InputFormat, "LOQA_CAPTURE_INPUT_FORMAT")
	overrideString(&cfg.Capture.InputDevice, "LOQA_CAPTURE_INPUT_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.PermissionTimeoutMS, "LOQA_CAPTURE_PERMISSION_TIMEOUT_MS")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideBool(&cfg.Narration.Enabled, "LOQA_NARRATION_ENABLED")
	overrideString(&cfg.Narration.InterfaceLanguage, "LOQA_NARRATION_INTERFACE_LANGUAGE")
	overrideString(&cfg.Lessons.Mode, "LOQA_LESSONS_MODE")
	overrideString(&cfg.Lessons.Directory, "LOQA_LESSONS_DIRECTORY")
	overrideBool(&cfg.Practice.Enabled, "LOQA_PRACTICE_ENABLED")
	overrideString(&cfg.Practice.DefaultLanguage, "LOQA_PRACTICE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Practice.PrefetchConcurrency, "LOQA_PRACTICE_PREFETCH_CONCURRENCY")
	overrideInt(&cfg.Practice.MaxSessions, "LOQA_PRACTICE_MAX_SESSIONS")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	switch cfg.ProgressStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.ProgressStore.Path == "" {
			return errors.New("progress_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("progress_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	usesOpenAI := cfg.TTS.Mode == "openai" || cfg.STT.Mode == "openai" || (cfg.LLM.Enabled && cfg.LLM.Mode == "openai")
	if usesOpenAI && cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key must be set when any backend uses mode=openai")
	}

	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}

	switch cfg.STT.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("stt.mode must be one of mock|exec|openai")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}

	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}

	if cfg.Verification.Threshold <= 0 || cfg.Verification.Threshold > 1 {
		return errors.New("verification.threshold must be in (0, 1]")
	}
	if cfg.Verification.TimeoutMS <= 0 {
		return errors.New("verification.timeout_ms must be positive")
	}
	switch cfg.Verification.Mode {
	case "client":
	case "server":
		if strings.TrimSpace(cfg.Verification.AffirmativeMarker) == "" {
			return errors.New("verification.affirmative_marker must not be empty when mode=server")
		}
		switch cfg.Verification.Judge {
		case "remote":
			if cfg.Verification.Endpoint == "" {
				return errors.New("verification.endpoint must be set when judge=remote")
			}
		case "llm":
			if !cfg.LLM.Enabled {
				return errors.New("llm.enabled must be true when verification judge=llm")
			}
		default:
			return errors.New("verification.judge must be one of remote|llm")
		}
	default:
		return errors.New("verification.mode must be one of client|server")
	}

	switch cfg.Capture.Mode {
	case "mock", "ffmpeg":
	default:
		return errors.New("capture.mode must be one of mock|ffmpeg")
	}
	if cfg.Capture.Mode == "ffmpeg" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=ffmpeg")
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		return errors.New("capture.sample_rate and capture.channels must be positive")
	}
	if cfg.Capture.PermissionTimeoutMS <= 0 {
		return errors.New("capture.permission_timeout_ms must be positive")
	}

	switch cfg.Playback.Mode {
	case "discard":
	case "exec":
		if cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
	default:
		return errors.New("playback.mode must be one of discard|exec")
	}

	if cfg.Narration.InterfaceLanguage == "" {
		return errors.New("narration.interface_language must not be empty")
	}

	switch cfg.Lessons.Mode {
	case "file":
		if cfg.Lessons.Directory == "" {
			return errors.New("lessons.directory must not be empty when mode=file")
		}
	case "generated":
		if !cfg.LLM.Enabled {
			return errors.New("llm.enabled must be true when lessons.mode=generated")
		}
	default:
		return errors.New("lessons.mode must be one of file|generated")
	}

	if cfg.Practice.Enabled {
		if cfg.Practice.DefaultLanguage == "" {
			return errors.New("practice.default_language must not be empty")
		}
		if cfg.Practice.MaxSessions <= 0 {
			return errors.New("practice.max_sessions must be >= 1")
		}
	}
	return nil
}
