package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/audio"
	"github.com/serviolabs/servio/pkg/core/dialogue"
	"github.com/serviolabs/servio/pkg/core/record"
	"github.com/serviolabs/servio/pkg/core/stt"
	"github.com/serviolabs/servio/pkg/core/tts"
	"github.com/serviolabs/servio/pkg/core/vad"
)

// Transport is the outbound half of the media connection. The controller
// never sees the wire protocol; the gateway adapts it.
type Transport interface {
	// SendAudio delivers one outbound mu-law payload to the caller.
	SendAudio(payload []byte) error

	// SendMark asks the transport to echo the named marker back once all
	// audio queued before it has been played.
	SendMark(name string) error

	// Clear discards audio the transport has buffered but not yet
	// played. Used when the caller barges in over a streaming reply.
	Clear() error

	// EndCall hangs up.
	EndCall() error
}

// CallLog persists call lifecycle records and utterances. Every method is
// best-effort: failures are logged and never affect call flow.
type CallLog interface {
	CallStarted(ctx context.Context, callID, caller string) error
	SaveUtterance(ctx context.Context, callID, role, text string) error
	CallEnded(ctx context.Context, callID, finalState string) error
}

// Config tunes one call session.
type Config struct {
	CallID   string
	Caller   string
	Greeting string

	// AllowBargeIn opens new utterances while a reply is still streaming.
	// Off by default: inbound audio is still recorded, but the gate is
	// not fed until playback finishes.
	AllowBargeIn bool

	VAD             vad.Config
	EnergyThreshold float64
	STT             stt.StreamOptions
	TTS             tts.SynthesizeOptions

	// QueueSize and PushTimeout tune the recognition ingestion queue.
	QueueSize   int
	PushTimeout time.Duration

	// MaxTurnFailures is how many consecutive failed turns escalate the
	// session to ERRORED. Default 2.
	MaxTurnFailures int

	// DrainTimeout bounds how long draining waits for in-flight
	// synthesis. Default 10s.
	DrainTimeout time.Duration
}

// Collaborators are the services a controller wires together.
type Collaborators struct {
	STT        stt.Provider
	TTS        tts.Provider
	Engine     *dialogue.Engine
	Transport  Transport
	Aggregator *record.Aggregator
	CallLog    CallLog
	Logger     *slog.Logger
}

// Controller is the per-call state machine. It exclusively owns the
// call's recognition stream, dialogue engine, synthesis dispatcher and
// recording buffer, and releases them all on close.
type Controller struct {
	config     Config
	sttProv    stt.Provider
	engine     *dialogue.Engine
	transport  Transport
	aggregator *record.Aggregator
	callLog    CallLog
	logger     *slog.Logger

	gate  *vad.Gate
	synth *synthDispatcher

	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	stream       stt.Stream
	queue        *stt.FrameQueue
	pendingFinal bool
	finalParts   []string
	onset        [][]byte
	turnFailures int
	playbackSeq  int

	closeOnce sync.Once
}

// NewController creates a controller in CONNECTING state.
func NewController(config Config, co Collaborators) (*Controller, error) {
	if config.CallID == "" {
		return nil, fmt.Errorf("call: call id is required")
	}
	if co.STT == nil || co.TTS == nil || co.Engine == nil || co.Transport == nil {
		return nil, fmt.Errorf("call: stt, tts, engine and transport are required")
	}
	if config.MaxTurnFailures <= 0 {
		config.MaxTurnFailures = 2
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 10 * time.Second
	}
	logger := co.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("call_id", config.CallID)

	gate, err := vad.NewGate(config.VAD, vad.NewEnergyClassifier(config.EnergyThreshold))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:     config,
		sttProv:    co.STT,
		engine:     co.Engine,
		transport:  co.Transport,
		aggregator: co.Aggregator,
		callLog:    co.CallLog,
		logger:     logger,
		gate:       gate,
		events:     make(chan Event, 100),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateConnecting,
	}
	c.synth = newSynthDispatcher(co.TTS, config.TTS, co.Transport, co.Aggregator, logger, c.synthFailed)
	return c, nil
}

// CallID returns the call identifier.
func (c *Controller) CallID() string { return c.config.CallID }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the session event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed once the session has fully torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start moves the session to ACTIVE and speaks the greeting. Called once
// the transport handshake has delivered the call identifiers.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		return core.NewError(core.ErrSessionClosed, "start in state "+state.String())
	}
	c.mu.Unlock()

	if c.callLog != nil {
		if err := c.callLog.CallStarted(c.ctx, c.config.CallID, c.config.Caller); err != nil {
			c.logger.Error("record call start failed", "error", err)
		}
	}

	c.setState(StateActive)

	if c.config.Greeting != "" {
		c.engine.RecordAssistant(c.config.Greeting)
		c.logUtterance("assistant", c.config.Greeting)
		c.emit(&ReplyEvent{Text: c.config.Greeting})
		c.synth.enqueue(c.config.Greeting, false)
	}
	return nil
}

// HandleMedia processes one inbound mu-law payload from the transport.
// Codec and gate failures drop the frame, never the call.
func (c *Controller) HandleMedia(payload []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.terminal() {
		return
	}

	if c.aggregator != nil {
		c.aggregator.Append(audio.NewFrame(audio.Inbound, audio.EncodingULaw, payload))
	}
	if state != StateActive {
		return
	}

	pcm, err := audio.DecodeULaw(payload)
	if err != nil {
		c.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	if c.synth.busy() && !c.config.AllowBargeIn {
		// Turn discipline: the caller hears the reply out before the
		// gate listens again.
		return
	}

	c.mu.Lock()
	ev := c.gate.ProcessFrame(pcm)
	switch ev {
	case vad.UtteranceStart:
		barge := c.config.AllowBargeIn && c.synth.busy()
		if err := c.openUtteranceLocked(); err != nil {
			c.gate.Reset()
			c.onset = nil
			c.mu.Unlock()
			c.emitError(err)
			return
		}
		// The debounce window's frames carry the utterance onset; feed
		// them to recognition ahead of the triggering frame.
		for _, frame := range c.onset {
			c.pushFrameLocked(frame)
		}
		c.onset = nil
		c.pushFrameLocked(payload)
		c.mu.Unlock()
		if barge {
			if err := c.transport.Clear(); err != nil {
				c.logger.Warn("clear buffered playback failed", "error", err)
			}
		}
		c.emit(&UtteranceStartedEvent{})

	case vad.UtteranceEnd:
		c.pendingFinal = true
		if c.queue != nil {
			if err := c.queue.Finalize(); err != nil {
				c.abandonUtteranceLocked()
				c.mu.Unlock()
				c.emitError(err)
				return
			}
		}
		c.mu.Unlock()
		c.emit(&UtteranceEndedEvent{})

	default:
		if c.gate.Open() {
			c.pushFrameLocked(payload)
		} else if keep := c.config.VAD.StartFrames - 1; keep > 0 {
			c.onset = append(c.onset, payload)
			if len(c.onset) > keep {
				c.onset = c.onset[len(c.onset)-keep:]
			}
		}
		c.mu.Unlock()
	}
}

// HandleMark processes a playback marker echoed by the transport. The
// final reply's mark starts the drain and ends the call.
func (c *Controller) HandleMark(name string) {
	c.mu.Lock()
	c.playbackSeq++
	index := c.playbackSeq
	c.mu.Unlock()
	c.emit(&PlaybackEvent{Mark: name, Index: index})

	if name == FinalAudioMark {
		c.beginDrain()
		if err := c.transport.EndCall(); err != nil {
			c.logger.Warn("end call failed", "error", err)
		}
	}
}

// HandleStop processes the transport stop signal: drain, flush the
// recording, close.
func (c *Controller) HandleStop() {
	c.beginDrain()
	c.Close()
}

// Close tears the session down into CLOSED. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.teardown(StateClosed, "call ended")
	})
}

// openUtteranceLocked lazily opens the recognition stream on the first
// utterance of the call, or after a previous stream died.
func (c *Controller) openUtteranceLocked() error {
	if c.stream != nil {
		return nil
	}
	stream, err := c.sttProv.OpenStream(c.ctx, c.config.STT)
	if err != nil {
		return core.WrapError(core.ErrRecognitionAborted, "open recognition stream", err)
	}
	c.stream = stream
	c.queue = stt.NewFrameQueue(stream, c.config.QueueSize, c.config.PushTimeout)
	c.wg.Add(1)
	go c.transcriptLoop(stream)
	return nil
}

func (c *Controller) pushFrameLocked(payload []byte) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Push(payload); err != nil {
		c.abandonUtteranceLocked()
		go c.emitError(err)
	}
}

// abandonUtteranceLocked drops the current utterance and recognition
// stream. The session stays ACTIVE; the next utterance reopens.
func (c *Controller) abandonUtteranceLocked() {
	c.gate.Reset()
	c.pendingFinal = false
	c.finalParts = nil
	c.onset = nil
	queue := c.queue
	stream := c.stream
	c.queue = nil
	c.stream = nil
	if queue != nil || stream != nil {
		go func() {
			if queue != nil {
				queue.Close()
			}
			if stream != nil {
				stream.Close()
			}
		}()
	}
}

// transcriptLoop consumes one recognition stream. Final transcripts for a
// gate-closed utterance run a dialogue turn; a dead stream abandons the
// utterance and leaves the session listening.
func (c *Controller) transcriptLoop(stream stt.Stream) {
	defer c.wg.Done()

	for delta := range stream.Transcripts() {
		text := strings.TrimSpace(delta.Text)
		if !delta.IsFinal {
			if text != "" {
				c.emit(&TranscriptEvent{Text: text})
			}
			continue
		}

		c.mu.Lock()
		if text != "" {
			c.finalParts = append(c.finalParts, text)
		}
		var utterance string
		fire := c.pendingFinal
		if fire {
			utterance = strings.Join(c.finalParts, " ")
			c.finalParts = nil
			c.pendingFinal = false
		}
		c.mu.Unlock()

		if fire && utterance != "" {
			c.emit(&TranscriptEvent{Text: utterance, IsFinal: true})
			c.runTurn(utterance)
		}
	}

	err := stream.Err()
	c.mu.Lock()
	current := c.stream == stream
	active := c.state == StateActive
	if current {
		c.abandonUtteranceLocked()
	}
	c.mu.Unlock()

	if current && active && err != nil {
		c.emitError(err)
	}
}

// runTurn produces exactly one assistant reply for the utterance, or
// none plus an error report when the model cannot be reached.
func (c *Controller) runTurn(text string) {
	c.logUtterance("user", text)

	reply, err := c.engine.HandleUtterance(c.ctx, text)
	if err != nil {
		c.mu.Lock()
		c.turnFailures++
		failures := c.turnFailures
		c.mu.Unlock()
		c.emitError(err)
		if failures >= c.config.MaxTurnFailures {
			c.escalate("repeated turn failures")
			return
		}
		// Recoverable: prompt the caller again instead of ending the call.
		c.synth.enqueue(dialogue.ApologyReply, false)
		return
	}

	c.mu.Lock()
	c.turnFailures = 0
	c.mu.Unlock()

	c.logUtterance("assistant", reply.Text)
	c.emit(&ReplyEvent{Text: reply.Text, Final: reply.EndCall})
	c.synth.enqueue(reply.Text, reply.EndCall)
}

// synthFailed runs on the synthesis worker when a reply cannot be
// delivered. A failed goodbye still ends the call.
func (c *Controller) synthFailed(job synthJob, err error) {
	c.emitError(err)
	if job.mark == FinalAudioMark {
		if endErr := c.transport.EndCall(); endErr != nil {
			c.logger.Warn("end call failed", "error", endErr)
		}
		go c.Close()
	}
}

func (c *Controller) beginDrain() {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.setState(StateDraining)
	if !c.synth.drain(c.config.DrainTimeout) {
		c.logger.Warn("drain timed out with replies still streaming")
	}
	c.flushRecording()
}

// escalate moves the session to ERRORED and tears it down. Runs the
// teardown on its own goroutine because callers may live inside the
// goroutines teardown joins.
func (c *Controller) escalate(reason string) {
	c.logger.Error("call errored", "reason", reason)
	go c.closeOnce.Do(func() {
		// Best effort: the caller hears a closing message before the
		// hangup. Synthesis is independent of whatever component failed.
		c.synth.enqueue(dialogue.ClosingReply, false)
		c.synth.drain(c.config.DrainTimeout)
		if err := c.transport.EndCall(); err != nil {
			c.logger.Warn("end call failed", "error", err)
		}
		c.teardown(StateErrored, reason)
	})
}

func (c *Controller) teardown(final State, reason string) {
	c.mu.Lock()
	stream := c.stream
	queue := c.queue
	c.stream = nil
	c.queue = nil
	c.mu.Unlock()

	if queue != nil {
		queue.Close()
	}
	if stream != nil {
		stream.Close()
	}
	c.synth.close()
	c.cancel()
	c.flushRecording()
	c.setState(final)
	c.wg.Wait()

	if c.callLog != nil {
		if err := c.callLog.CallEnded(context.Background(), c.config.CallID, final.String()); err != nil {
			c.logger.Error("record call end failed", "error", err)
		}
	}
	c.emit(&ClosedEvent{Reason: reason})
	close(c.done)
	c.logger.Info("call closed", "state", final.String(), "reason", reason)
}

func (c *Controller) flushRecording() {
	if c.aggregator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.aggregator.Flush(ctx); err != nil {
		// Reported, never retried here, never blocks teardown.
		c.emitError(err)
	}
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.logger.Info("call state", "from", from.String(), "to", to.String())
	c.emit(&StateChangedEvent{From: from, To: to})
}

func (c *Controller) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Debug("event dropped", "type", event.EventType())
	}
}

func (c *Controller) emitError(err error) {
	code := "internal"
	if typed, ok := core.AsError(err); ok {
		code = string(typed.Type)
	}
	c.logger.Error("call error", "code", code, "error", err)
	c.emit(&ErrorEvent{Code: code, Message: err.Error()})
}

func (c *Controller) logUtterance(role, text string) {
	if c.callLog == nil {
		return
	}
	if err := c.callLog.SaveUtterance(c.ctx, c.config.CallID, role, text); err != nil {
		c.logger.Error("save utterance failed", "role", role, "error", err)
	}
}
