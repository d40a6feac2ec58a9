// Package config loads gateway settings from SERVIO_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// PublicHost is the externally reachable host used in TwiML stream
	// URLs. Empty means the inbound request's Host header is used.
	PublicHost string

	// Model provider credentials.
	OpenAIAPIKey      string
	OpenAIModel       string
	DeepgramAPIKey    string
	DeepgramModel     string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// Twilio REST credentials for outbound SMS. Optional: without them
	// order confirmations and menu texts are skipped.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Restaurant identity and conversation tuning.
	RestaurantName string
	Greeting       string
	Language       string
	MenuFile       string
	TaxRate        float64

	// Voice activity detection.
	AllowBargeIn    bool
	VADStartFrames  int
	VADEndFrames    int
	EnergyThreshold float64

	// Recognition ingestion queue.
	STTQueueSize   int
	STTPushTimeout time.Duration

	// Session lifecycle.
	MaxTurnFailures int
	DrainTimeout    time.Duration

	// Persistence. Empty DatabaseURL disables call and order records;
	// empty S3Bucket disables recording uploads.
	DatabaseURL string
	S3Bucket    string
	S3Prefix    string

	// Transport limits and operational defaults.
	MaxMediaMessageBytes int64
	WSWriteTimeout       time.Duration
	ReadHeaderTimeout    time.Duration
	ShutdownGracePeriod  time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("SERVIO_ADDR", ":8080"),
		PublicHost:           envOr("SERVIO_PUBLIC_HOST", ""),
		OpenAIAPIKey:         envOr("SERVIO_OPENAI_API_KEY", ""),
		OpenAIModel:          envOr("SERVIO_OPENAI_MODEL", "gpt-4o-mini"),
		DeepgramAPIKey:       envOr("SERVIO_DEEPGRAM_API_KEY", ""),
		DeepgramModel:        envOr("SERVIO_DEEPGRAM_MODEL", "nova-2-phonecall"),
		ElevenLabsAPIKey:     envOr("SERVIO_ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:    envOr("SERVIO_ELEVENLABS_VOICE_ID", ""),
		TwilioAccountSID:     envOr("SERVIO_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      envOr("SERVIO_TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:     envOr("SERVIO_TWILIO_FROM_NUMBER", ""),
		RestaurantName:       envOr("SERVIO_RESTAURANT_NAME", "KK Restaurant"),
		Greeting:             envOr("SERVIO_GREETING", ""),
		Language:             envOr("SERVIO_LANGUAGE", "en"),
		MenuFile:             envOr("SERVIO_MENU_FILE", ""),
		TaxRate:              envFloat64Or("SERVIO_TAX_RATE", 0),
		AllowBargeIn:         envBoolOr("SERVIO_ALLOW_BARGE_IN", false),
		VADStartFrames:       envIntOr("SERVIO_VAD_START_FRAMES", 3),
		VADEndFrames:         envIntOr("SERVIO_VAD_END_FRAMES", 25),
		EnergyThreshold:      envFloat64Or("SERVIO_VAD_ENERGY_THRESHOLD", 0.02),
		STTQueueSize:         envIntOr("SERVIO_STT_QUEUE_SIZE", 32),
		STTPushTimeout:       envDurationOr("SERVIO_STT_PUSH_TIMEOUT", 250*time.Millisecond),
		MaxTurnFailures:      envIntOr("SERVIO_MAX_TURN_FAILURES", 2),
		DrainTimeout:         envDurationOr("SERVIO_DRAIN_TIMEOUT", 10*time.Second),
		DatabaseURL:          envOr("SERVIO_DATABASE_URL", ""),
		S3Bucket:             envOr("SERVIO_S3_BUCKET", ""),
		S3Prefix:             envOr("SERVIO_S3_PREFIX", "recordings"),
		MaxMediaMessageBytes: envInt64Or("SERVIO_MAX_MEDIA_MESSAGE_BYTES", 16<<10),
		WSWriteTimeout:       envDurationOr("SERVIO_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:    envDurationOr("SERVIO_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("SERVIO_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	if cfg.Greeting == "" {
		cfg.Greeting = fmt.Sprintf("Hello! Welcome to %s. I'm your voice assistant. How can I help you today?", cfg.RestaurantName)
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("SERVIO_OPENAI_API_KEY is required")
	}
	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("SERVIO_DEEPGRAM_API_KEY is required")
	}
	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("SERVIO_ELEVENLABS_API_KEY is required")
	}
	if cfg.ElevenLabsVoiceID == "" {
		return Config{}, fmt.Errorf("SERVIO_ELEVENLABS_VOICE_ID is required")
	}
	if (cfg.TwilioAccountSID == "") != (cfg.TwilioAuthToken == "") {
		return Config{}, fmt.Errorf("SERVIO_TWILIO_ACCOUNT_SID and SERVIO_TWILIO_AUTH_TOKEN must be set together")
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioFromNumber == "" {
		return Config{}, fmt.Errorf("SERVIO_TWILIO_FROM_NUMBER is required when Twilio credentials are set")
	}
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return Config{}, fmt.Errorf("SERVIO_TAX_RATE must be in [0, 1)")
	}
	if cfg.VADStartFrames <= 0 {
		return Config{}, fmt.Errorf("SERVIO_VAD_START_FRAMES must be > 0")
	}
	if cfg.VADEndFrames <= 0 {
		return Config{}, fmt.Errorf("SERVIO_VAD_END_FRAMES must be > 0")
	}
	if cfg.EnergyThreshold <= 0 || cfg.EnergyThreshold >= 1 {
		return Config{}, fmt.Errorf("SERVIO_VAD_ENERGY_THRESHOLD must be in (0, 1)")
	}
	if cfg.STTQueueSize <= 0 {
		return Config{}, fmt.Errorf("SERVIO_STT_QUEUE_SIZE must be > 0")
	}
	if cfg.STTPushTimeout <= 0 {
		return Config{}, fmt.Errorf("SERVIO_STT_PUSH_TIMEOUT must be > 0")
	}
	if cfg.MaxTurnFailures <= 0 {
		return Config{}, fmt.Errorf("SERVIO_MAX_TURN_FAILURES must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("SERVIO_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.MaxMediaMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SERVIO_MAX_MEDIA_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SERVIO_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SERVIO_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SERVIO_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// MenuLines reads the configured menu file, one item per line. Blank
// lines are skipped. Returns nil when no menu file is configured.
func (c Config) MenuLines() ([]string, error) {
	if c.MenuFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.MenuFile)
	if err != nil {
		return nil, fmt.Errorf("read menu file: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
