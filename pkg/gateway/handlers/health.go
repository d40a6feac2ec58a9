package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/serviolabs/servio/pkg/core/call"
	"github.com/serviolabs/servio/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Registry *call.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                 bool     `json:"ok"`
		ActiveCalls        int      `json:"active_calls"`
		PersistenceEnabled bool     `json:"persistence_enabled"`
		RecordingEnabled   bool     `json:"recording_enabled"`
		SMSEnabled         bool     `json:"sms_enabled"`
		Issues             []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if h.Config.DeepgramAPIKey == "" {
		issues = append(issues, "deepgram api key is not configured")
	}
	if h.Config.ElevenLabsAPIKey == "" || h.Config.ElevenLabsVoiceID == "" {
		issues = append(issues, "elevenlabs credentials are not configured")
	}
	if h.Config.VADStartFrames <= 0 || h.Config.VADEndFrames <= 0 {
		issues = append(issues, "vad frame thresholds must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.ReadHeaderTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	activeCalls := 0
	if h.Registry != nil {
		activeCalls = h.Registry.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                 ok,
		ActiveCalls:        activeCalls,
		PersistenceEnabled: h.Config.DatabaseURL != "",
		RecordingEnabled:   h.Config.S3Bucket != "",
		SMSEnabled:         h.Config.TwilioAccountSID != "",
		Issues:             issues,
	})
}
