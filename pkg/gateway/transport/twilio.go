// Package transport speaks the Twilio Media Streams WebSocket protocol
// and adapts it to the call engine's transport interface.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session receives the inbound half of a media stream. Implemented by
// the call controller.
type Session interface {
	HandleMedia(payload []byte)
	HandleMark(name string)
	HandleStop()
}

// StartInfo is the call metadata carried by the stream's start event.
type StartInfo struct {
	StreamSid        string
	CallSid          string
	Caller           string
	CustomParameters map[string]string
}

// Options tunes a media stream connection.
type Options struct {
	// WriteTimeout bounds each outbound write. Default 5s.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the wait for the start event. Default 5s.
	HandshakeTimeout time.Duration

	// MaxMessageBytes caps inbound message size. Default 16 KiB.
	MaxMessageBytes int64

	// Hangup ends the underlying phone call, typically through the
	// Twilio REST API. Without it EndCall just closes the stream.
	Hangup func() error

	Logger *slog.Logger
}

// Conn is one Twilio Media Streams connection. Reads happen on the
// goroutine that calls Run; writes are serialized internally and safe
// from any goroutine.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu   sync.Mutex
	streamSid string
	closed    atomic.Bool
}

// Twilio wire envelopes. One struct both ways; unused fields stay empty.
type envelope struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 16 << 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(opts.MaxMessageBytes)
	return &Conn{ws: ws, opts: opts, logger: logger}
}

// ReadStart consumes messages until the start event arrives and returns
// the call metadata. The connected event that Twilio sends first is
// skipped. Fails when the start event does not arrive within the
// handshake timeout.
func (c *Conn) ReadStart() (StartInfo, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		var msg envelope
		if err := c.readEnvelope(&msg); err != nil {
			return StartInfo{}, fmt.Errorf("read start event: %w", err)
		}
		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil || msg.Start.CallSid == "" {
				return StartInfo{}, fmt.Errorf("start event missing callSid")
			}
			c.writeMu.Lock()
			c.streamSid = msg.StreamSid
			c.writeMu.Unlock()
			return StartInfo{
				StreamSid:        msg.StreamSid,
				CallSid:          msg.Start.CallSid,
				Caller:           callerFromParameters(msg.Start.CustomParameters),
				CustomParameters: msg.Start.CustomParameters,
			}, nil
		default:
			return StartInfo{}, fmt.Errorf("expected start event, got %q", msg.Event)
		}
	}
}

// Run reads the stream until the stop event or a connection failure and
// dispatches to the session. Malformed messages are dropped, not fatal.
func (c *Conn) Run(session Session) error {
	defer session.HandleStop()

	for {
		var msg envelope
		if err := c.readEnvelope(&msg); err != nil {
			if errors.Is(err, errMalformedMessage) {
				c.logger.Debug("dropping malformed media stream message", "error", err)
				continue
			}
			if c.closed.Load() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read media stream: %w", err)
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			// Only the caller's track feeds the engine; outbound echoes
			// are ignored.
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				c.logger.Debug("dropping undecodable media payload", "error", err)
				continue
			}
			session.HandleMedia(raw)

		case "mark":
			if msg.Mark != nil && msg.Mark.Name != "" {
				session.HandleMark(msg.Mark.Name)
			}

		case "stop":
			return nil

		default:
			c.logger.Debug("unhandled media stream event", "event", msg.Event)
		}
	}
}

// SendAudio writes one outbound mu-law payload as a media message.
func (c *Conn) SendAudio(payload []byte) error {
	return c.writeEnvelope(envelope{
		Event: "media",
		Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendMark asks Twilio to echo the named marker once the audio queued
// before it has played out.
func (c *Conn) SendMark(name string) error {
	return c.writeEnvelope(envelope{
		Event: "mark",
		Mark:  &markPayload{Name: name},
	})
}

// Clear discards Twilio's buffered outbound audio. Used for barge-in.
func (c *Conn) Clear() error {
	return c.writeEnvelope(envelope{Event: "clear"})
}

// SetHangup installs the hangup callback. Called after ReadStart, once
// the call SID is known.
func (c *Conn) SetHangup(hangup func() error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.opts.Hangup = hangup
}

// EndCall hangs the phone call up via the configured hangup callback,
// falling back to closing the stream.
func (c *Conn) EndCall() error {
	c.writeMu.Lock()
	hangup := c.opts.Hangup
	c.writeMu.Unlock()
	if hangup != nil {
		return hangup()
	}
	return c.Close()
}

// Close shuts the websocket down. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// errMalformedMessage marks messages Run drops instead of failing on.
var errMalformedMessage = errors.New("malformed media stream message")

func (c *Conn) readEnvelope(msg *envelope) error {
	messageType, raw, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	if messageType != websocket.TextMessage {
		return fmt.Errorf("%w: unexpected message type %d", errMalformedMessage, messageType)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return nil
}

func (c *Conn) writeEnvelope(msg envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("media stream is closed")
	}
	msg.StreamSid = c.streamSid

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func callerFromParameters(params map[string]string) string {
	for _, key := range []string{"caller", "callerId", "from"} {
		if v := strings.TrimSpace(params[key]); v != "" {
			return v
		}
	}
	return ""
}
