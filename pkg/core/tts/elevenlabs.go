package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serviolabs/servio/pkg/core"
)

const elevenLabsDefaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

// ElevenLabsProvider streams synthesis over the stream-input WebSocket,
// requesting mu-law 8 kHz so chunks go to the phone leg without resampling.
type ElevenLabsProvider struct {
	apiKey    string
	wsBaseURL string
}

// NewElevenLabs creates a new ElevenLabs TTS provider.
func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:    strings.TrimSpace(apiKey),
		wsBaseURL: elevenLabsDefaultWSBase,
	}
}

// WithWSBaseURL points the provider at a non-default endpoint. Used by
// tests to target a local WebSocket server.
func (e *ElevenLabsProvider) WithWSBaseURL(base string) *ElevenLabsProvider {
	base = strings.TrimSpace(base)
	if base != "" {
		e.wsBaseURL = base
	}
	return e
}

// Name returns the provider identifier.
func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// SynthesizeStream synthesizes one reply. The socket is opened per reply;
// the gateway keeps replies strictly sequential so there is never more
// than one open synthesis per call.
func (e *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if e.apiKey == "" {
		return nil, core.NewError(core.ErrSynthesisFailed, "elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		return nil, core.NewError(core.ErrSynthesisFailed, "voice id is required")
	}

	wsURL, err := buildElevenLabsWSURL(e.wsBaseURL, voiceID, opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, core.WrapError(core.ErrSynthesisFailed, "websocket connect", err)
	}

	// Open the context, send the whole reply, then flush. Audio streams
	// back while we read until isFinal.
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(map[string]any{"text": " ", "voice_id": voiceID}); err != nil {
		conn.Close()
		return nil, core.WrapError(core.ErrSynthesisFailed, "open context", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": ensureTrailingSpace(text)}); err != nil {
		conn.Close()
		return nil, core.WrapError(core.ErrSynthesisFailed, "send text", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": "", "flush": true}); err != nil {
		conn.Close()
		return nil, core.WrapError(core.ErrSynthesisFailed, "flush", err)
	}

	stream := NewSynthesisStream()

	go func() {
		defer conn.Close()
		defer stream.FinishSending()
		for {
			select {
			case <-ctx.Done():
				stream.SetError(ctx.Err())
				return
			case <-stream.done:
				return
			default:
			}

			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					stream.SetError(core.WrapError(core.ErrSynthesisFailed, "read audio", err))
				}
				return
			}

			var msg elevenLabsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Audio != "" {
				audio, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err == nil && len(audio) > 0 {
					if !stream.Send(audio) {
						return
					}
				}
			}
			if msg.IsFinal {
				return
			}
		}
	}()

	return stream, nil
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

func buildElevenLabsWSURL(base, voiceID string, opts SynthesizeOptions) (string, error) {
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", core.WrapError(core.ErrSynthesisFailed, "invalid elevenlabs ws url", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", "eleven_flash_v2_5")
	}
	if q.Get("output_format") == "" {
		format := opts.Format
		if format == "" {
			format = "ulaw_8000"
		}
		q.Set("output_format", format)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ensureTrailingSpace(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return " "
	}
	return text + " "
}
