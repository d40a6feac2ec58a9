package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serviolabs/servio/pkg/core"
)

const deepgramLiveURL = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider implements the STT Provider interface using Deepgram's
// live transcription WebSocket API.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

// NewDeepgram creates a new Deepgram STT provider.
func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramLiveURL}
}

// NewDeepgramWithURL creates a provider against a non-default endpoint.
// Used by tests to point at a local WebSocket server.
func NewDeepgramWithURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// OpenStream dials Deepgram's live endpoint. The connection is reused
// across utterances; Finalize marks utterance boundaries.
func (p *DeepgramProvider) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()

	model := opts.Model
	if model == "" {
		model = "nova-2-phonecall"
	}
	q.Set("model", model)

	language := opts.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "mulaw"
	}
	q.Set("encoding", encoding)

	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))

	channels := opts.Channels
	if channels == 0 {
		channels = 1
	}
	q.Set("channels", fmt.Sprintf("%d", channels))

	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if opts.InterimResults {
		q.Set("interim_results", "true")
	}

	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Token "+p.apiKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:        conn,
		transcripts: make(chan TranscriptDelta, 100),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	go s.readLoop()

	return s, nil
}

type deepgramStream struct {
	conn        *websocket.Conn
	transcripts chan TranscriptDelta
	done        chan struct{}
	closed      atomic.Bool
	writeMu     sync.Mutex
	errMu       sync.Mutex
	err         error
	ctx         context.Context
	cancel      context.CancelFunc
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.transcripts)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(core.WrapError(core.ErrRecognitionAborted, "recognition stream disconnected", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			delta := TranscriptDelta{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				IsComplete: msg.SpeechFinal,
				Confidence: alt.Confidence,
			}
			select {
			case s.transcripts <- delta:
			case <-s.ctx.Done():
				return
			}

		case "Metadata", "UtteranceEnd", "SpeechStarted":
			continue

		case "Error":
			s.setErr(core.NewError(core.ErrRecognitionAborted, msg.Description))
			return
		}
	}
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// SendAudio sends a raw audio payload in the negotiated encoding.
func (s *deepgramStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return core.NewError(core.ErrSessionClosed, "recognition stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return core.WrapError(core.ErrRecognitionAborted, "send audio", err)
	}
	return nil
}

// Finalize asks the service to flush and finalize the current utterance.
func (s *deepgramStream) Finalize() error {
	if s.closed.Load() {
		return core.NewError(core.ErrSessionClosed, "recognition stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`)); err != nil {
		return core.WrapError(core.ErrRecognitionAborted, "finalize", err)
	}
	return nil
}

// Transcripts returns the channel of transcript deltas.
func (s *deepgramStream) Transcripts() <-chan TranscriptDelta {
	return s.transcripts
}

// Done returns a channel closed when the stream ends.
func (s *deepgramStream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended, once Done is closed.
func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close tears the stream down gracefully.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
