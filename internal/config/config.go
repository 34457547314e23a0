package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Pipeline modes
const (
	PipelineMock = "mock"
	PipelineHTTP = "http"
)

// Rule sources
const (
	RulesPostgres = "postgres"
	RulesFile     = "file"
	RulesNone     = "none"
)

// Config holds all configuration for the application
type Config struct {
	// Server
	Port           string
	AllowedOrigins []string
	LogLevel       string
	PublicURL      string // base URL Twilio reaches us on; derived per request when empty
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Speech pipeline
	PipelineMode       string
	STTURL             string
	STTLanguage        string
	LLMURL             string
	LLMMaxTokens       int
	LLMTemperature     float64
	GeminiAPIKey       string
	GeminiModel        string
	ElevenLabsURL      string
	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	ElevenLabsModelID  string
	RecognitionTimeout time.Duration
	GenerationTimeout  time.Duration
	SynthesisTimeout   time.Duration
	SystemPrompt       string
	Greeting           string
	HistoryLimit       int
	SilenceThreshold   time.Duration
	MinAudioBytes      int // 16 kHz 16-bit PCM bytes an utterance needs
	BargeInEnergy      float64

	// Sessions
	ConnectTimeout    time.Duration
	KeywordWindow     int
	ActionTimeout     time.Duration
	SessionRetain     time.Duration
	DefaultBusinessID string
	DefaultAgentID    string
	CallbackInterval  time.Duration

	// Rules
	RulesSource   string
	DatabaseURL   string
	RulesFile     string
	RulesCacheTTL time.Duration

	// Webhooks
	WebhookURL         string
	WebhookSecret      string
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBaseBackoff time.Duration
	WebhookMaxBackoff  time.Duration
	KafkaBrokers       []string
	KafkaTopic         string

	// Twilio
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Operator auth
	SkipAuth           bool
	Env                string
	OIDCIssuer         string
	VerifyJWTSignature bool

	// Call simulator control API, proxied for admins
	CallSimURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getList("ALLOWED_ORIGINS", "http://localhost:5173"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),

		PipelineMode:      strings.ToLower(getEnv("PIPELINE_MODE", PipelineMock)),
		STTURL:            getEnv("STT_URL", "http://localhost:9000/transcribe"),
		STTLanguage:       getEnv("STT_LANGUAGE", "en"),
		LLMURL:            getEnv("LLM_URL", "http://localhost:9001/v1/chat/completions"),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ElevenLabsURL:     getEnv("ELEVENLABS_URL", "https://api.elevenlabs.io"),
		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID: getEnv("ELEVENLABS_MODEL_ID", "eleven_turbo_v2"),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", "You are a friendly phone receptionist. Keep answers short and spoken-style."),
		Greeting:          getEnv("GREETING", "Hello! Thanks for calling. How can I help you today?"),

		DefaultBusinessID: getEnv("DEFAULT_BUSINESS_ID", ""),
		DefaultAgentID:    getEnv("DEFAULT_AGENT_ID", ""),

		RulesSource: strings.ToLower(getEnv("RULES_SOURCE", RulesNone)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RulesFile:   getEnv("RULES_FILE", "rules.yaml"),

		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		KafkaBrokers:  getList("KAFKA_BROKERS", ""),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "call-events"),

		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: getEnv("TWILIO_PHONE_NUMBER", ""),

		Env:        getEnv("ENV", "development"),
		OIDCIssuer: getEnv("OIDC_ISSUER", ""),

		CallSimURL: strings.TrimRight(getEnv("CALLSIM_URL", "http://localhost:8090"), "/"),
	}

	// WebSocket timeouts are whole seconds
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	p := &parser{}
	config.LLMMaxTokens = p.int("LLM_MAX_TOKENS", 150)
	config.LLMTemperature = p.float("LLM_TEMPERATURE", 0.7)
	config.RecognitionTimeout = p.duration("RECOGNITION_TIMEOUT", 5*time.Second)
	config.GenerationTimeout = p.duration("GENERATION_TIMEOUT", 8*time.Second)
	config.SynthesisTimeout = p.duration("SYNTHESIS_TIMEOUT", 5*time.Second)
	config.HistoryLimit = p.int("HISTORY_LIMIT", 20)
	config.SilenceThreshold = p.duration("SILENCE_THRESHOLD", 1500*time.Millisecond)
	config.MinAudioBytes = p.int("MIN_AUDIO_BYTES", 3200)
	config.BargeInEnergy = p.float("BARGE_IN_ENERGY", 500)

	config.ConnectTimeout = p.duration("CONNECT_TIMEOUT", 30*time.Second)
	config.KeywordWindow = p.int("KEYWORD_WINDOW", 3)
	config.ActionTimeout = p.duration("ACTION_TIMEOUT", 15*time.Second)
	config.SessionRetain = p.duration("SESSION_RETAIN", 30*time.Second)
	config.CallbackInterval = p.duration("CALLBACK_INTERVAL", time.Second)

	config.RulesCacheTTL = p.duration("RULES_CACHE_TTL", 5*time.Minute)

	config.WebhookTimeout = p.duration("WEBHOOK_TIMEOUT", 10*time.Second)
	config.WebhookMaxAttempts = p.int("WEBHOOK_MAX_ATTEMPTS", 6)
	config.WebhookBaseBackoff = p.duration("WEBHOOK_BASE_BACKOFF", 500*time.Millisecond)
	config.WebhookMaxBackoff = p.duration("WEBHOOK_MAX_BACKOFF", 30*time.Second)

	config.SkipAuth = p.bool("SKIP_AUTH", false)
	config.VerifyJWTSignature = p.bool("VERIFY_JWT_SIGNATURE", false)
	if config.Env != "development" {
		// production always verifies signatures
		config.VerifyJWTSignature = true
	}

	if p.err != nil {
		return nil, p.err
	}

	switch config.PipelineMode {
	case PipelineMock, PipelineHTTP:
	default:
		return nil, fmt.Errorf("invalid PIPELINE_MODE %q", config.PipelineMode)
	}
	switch config.RulesSource {
	case RulesPostgres:
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("RULES_SOURCE=postgres requires DATABASE_URL")
		}
	case RulesFile, RulesNone:
	default:
		return nil, fmt.Errorf("invalid RULES_SOURCE %q", config.RulesSource)
	}

	return config, nil
}

// TwilioConfigured reports whether outbound call control is available.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// MinUtterance converts MinAudioBytes of 16 kHz 16-bit PCM to a duration.
func (c *Config) MinUtterance() time.Duration {
	return time.Duration(c.MinAudioBytes) * time.Second / 32000
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList splits a comma separated variable, dropping empty entries.
func getList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parser reads typed variables and keeps the first error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go duration strings ("1.5s") or whole seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
