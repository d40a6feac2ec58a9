// Package handlers wires HTTP and WebSocket endpoints to the call engine.
package handlers

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// VoiceHandler answers Twilio's inbound-call webhook with TwiML that
// connects the call to the media stream endpoint.
type VoiceHandler struct {
	// PublicHost overrides the request Host in the stream URL. Needed
	// behind tunnels and load balancers.
	PublicHost string

	// StreamPath is the media stream endpoint. Default "/media-stream".
	StreamPath string

	Logger *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller := r.FormValue("From")
	callSid := r.FormValue("CallSid")
	if h.Logger != nil {
		h.Logger.Info("inbound call", "call_sid", callSid, "caller", caller)
	}

	host := h.PublicHost
	if host == "" {
		host = r.Host
	}
	path := h.StreamPath
	if path == "" {
		path = "/media-stream"
	}
	streamURL := fmt.Sprintf("wss://%s%s", host, path)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="caller" value="%s"/>
        </Stream>
    </Connect>
</Response>`, xmlEscape(streamURL), xmlEscape(caller))

	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(twiml)); err != nil && h.Logger != nil {
		h.Logger.Error("write twiml response failed", "error", err)
	}
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}
