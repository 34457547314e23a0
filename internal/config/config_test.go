package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default values",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "8080" {
					t.Errorf("expected port 8080, got %s", cfg.Port)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected log level info, got %s", cfg.LogLevel)
				}
				if cfg.WSReadTimeout != 60*time.Second {
					t.Errorf("expected WSReadTimeout 60s, got %v", cfg.WSReadTimeout)
				}
				if cfg.PipelineMode != PipelineMock || cfg.RulesSource != RulesNone {
					t.Errorf("expected mock pipeline without rules, got %s/%s", cfg.PipelineMode, cfg.RulesSource)
				}
				if cfg.SilenceThreshold != 1500*time.Millisecond || cfg.MinUtterance() != 100*time.Millisecond {
					t.Errorf("unexpected turn detection defaults %v %v", cfg.SilenceThreshold, cfg.MinUtterance())
				}
				if cfg.KeywordWindow != 3 || cfg.HistoryLimit != 20 {
					t.Errorf("unexpected session defaults %d %d", cfg.KeywordWindow, cfg.HistoryLimit)
				}
				if cfg.TwilioConfigured() {
					t.Error("twilio must not be configured by default")
				}
				if len(cfg.KafkaBrokers) != 0 {
					t.Errorf("expected no kafka brokers, got %v", cfg.KafkaBrokers)
				}
			},
		},
		{
			name: "pipeline and webhook settings",
			env: map[string]string{
				"PIPELINE_MODE":        "HTTP",
				"GENERATION_TIMEOUT":   "2500ms",
				"CONNECT_TIMEOUT":      "45",
				"WEBHOOK_MAX_ATTEMPTS": "4",
				"KAFKA_BROKERS":        "kafka-1:9092, kafka-2:9092",
				"RULES_SOURCE":         "postgres",
				"DATABASE_URL":         "postgres://callcore@localhost/callcore",
				"TWILIO_ACCOUNT_SID":   "AC1",
				"TWILIO_AUTH_TOKEN":    "tok",
				"PUBLIC_URL":           "https://voice.example.com/",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.PipelineMode != PipelineHTTP {
					t.Errorf("expected http pipeline, got %s", cfg.PipelineMode)
				}
				if cfg.GenerationTimeout != 2500*time.Millisecond {
					t.Errorf("expected 2.5s generation timeout, got %v", cfg.GenerationTimeout)
				}
				if cfg.ConnectTimeout != 45*time.Second {
					t.Errorf("expected plain seconds to parse, got %v", cfg.ConnectTimeout)
				}
				if cfg.WebhookMaxAttempts != 4 {
					t.Errorf("expected 4 attempts, got %d", cfg.WebhookMaxAttempts)
				}
				if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
					t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
				}
				if !cfg.TwilioConfigured() {
					t.Error("expected twilio configured")
				}
				if cfg.PublicURL != "https://voice.example.com" {
					t.Errorf("expected trailing slash trimmed, got %s", cfg.PublicURL)
				}
			},
		},
		{
			name: "production verifies signatures",
			env:  map[string]string{"ENV": "production"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.VerifyJWTSignature {
					t.Error("expected signature verification in production")
				}
			},
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"SYNTHESIS_TIMEOUT": "soon"},
			wantErr: true,
		},
		{
			name:    "invalid pipeline mode",
			env:     map[string]string{"PIPELINE_MODE": "magic"},
			wantErr: true,
		},
		{
			name:    "postgres without database url",
			env:     map[string]string{"RULES_SOURCE": "postgres"},
			wantErr: true,
		},
		{
			name:    "invalid bool",
			env:     map[string]string{"SKIP_AUTH": "maybe"},
			wantErr: true,
		},
		{
			name: "custom values",
			env: map[string]string{
				"PORT":             "9000",
				"LOG_LEVEL":        "debug",
				"WS_READ_TIMEOUT":  "30",
				"WS_WRITE_TIMEOUT": "5",
				"ALLOWED_ORIGINS":  "http://example.com,http://test.com",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Port != "9000" {
					t.Errorf("expected port 9000, got %s", cfg.Port)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("expected log level debug, got %s", cfg.LogLevel)
				}
				if cfg.WSReadTimeout != 30*time.Second {
					t.Errorf("expected WSReadTimeout 30s, got %v", cfg.WSReadTimeout)
				}
				if cfg.WSWriteTimeout != 5*time.Second {
					t.Errorf("expected WSWriteTimeout 5s, got %v", cfg.WSWriteTimeout)
				}
				if len(cfg.AllowedOrigins) != 2 {
					t.Errorf("expected 2 allowed origins, got %d", len(cfg.AllowedOrigins))
				}
			},
		},
		{
			name: "invalid WS_READ_TIMEOUT",
			env: map[string]string{
				"WS_READ_TIMEOUT": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid WS_WRITE_TIMEOUT",
			env: map[string]string{
				"WS_WRITE_TIMEOUT": "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			// Load config
			cfg, err := Load()

			// Check error
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			// Run custom checks
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestWebSocketConstants(t *testing.T) {
	// Clear environment and set clean defaults
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// PongWait should equal WSReadTimeout
	if cfg.PongWait != cfg.WSReadTimeout {
		t.Errorf("PongWait (%v) should equal WSReadTimeout (%v)", cfg.PongWait, cfg.WSReadTimeout)
	}

	// PingPeriod should be less than PongWait
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("PingPeriod (%v) should be less than PongWait (%v)", cfg.PingPeriod, cfg.PongWait)
	}

	// WriteWait should equal WSWriteTimeout
	if cfg.WriteWait != cfg.WSWriteTimeout {
		t.Errorf("WriteWait (%v) should equal WSWriteTimeout (%v)", cfg.WriteWait, cfg.WSWriteTimeout)
	}

	// MaxMessageSize should be set
	if cfg.MaxMessageSize <= 0 {
		t.Errorf("MaxMessageSize should be positive, got %d", cfg.MaxMessageSize)
	}
}
