// Package vad derives utterance boundaries from a steady sequence of
// fixed-duration PCM frames. A pluggable per-frame classifier marks each
// frame speech or silence; the gate debounces runs of classifications into
// utterance-start and utterance-end events.
package vad

import "fmt"

// Classifier labels a single PCM frame as speech or not. Implementations
// must be cheap: the gate calls them once per frame on the audio path.
type Classifier interface {
	IsSpeech(pcm []byte) bool
}

// Event is the gate's verdict for one processed frame.
type Event int

const (
	// None means the frame changed nothing.
	None Event = iota
	// UtteranceStart means enough consecutive speech frames arrived.
	UtteranceStart
	// UtteranceEnd means enough consecutive silence frames followed a start.
	UtteranceEnd
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case None:
		return "NONE"
	case UtteranceStart:
		return "UTTERANCE_START"
	case UtteranceEnd:
		return "UTTERANCE_END"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the gate's debounce windows, counted in frames.
type Config struct {
	// StartFrames is how many consecutive speech frames open an utterance.
	// Guards against noise spikes. Must be > 0.
	StartFrames int `json:"start_frames"`

	// EndFrames is how many consecutive silence frames close an open
	// utterance. Guards against mid-sentence pauses. Must be > 0.
	EndFrames int `json:"end_frames"`
}

// DefaultConfig returns debounce windows tuned for 20ms telephony frames:
// 60ms of speech to open, 500ms of silence to close.
func DefaultConfig() Config {
	return Config{
		StartFrames: 3,
		EndFrames:   25,
	}
}

// Validate rejects non-positive debounce windows.
func (c Config) Validate() error {
	if c.StartFrames <= 0 {
		return fmt.Errorf("vad: start_frames must be > 0, got %d", c.StartFrames)
	}
	if c.EndFrames <= 0 {
		return fmt.Errorf("vad: end_frames must be > 0, got %d", c.EndFrames)
	}
	return nil
}

// Gate turns per-frame classifications into utterance boundary events.
// It is purely computational and never blocks; callers drive it from a
// single goroutine per call.
type Gate struct {
	config     Config
	classifier Classifier

	open       bool
	speechRun  int
	silenceRun int
}

// NewGate creates a gate with the given debounce config and classifier.
// A zero config takes the defaults; anything else must validate.
func NewGate(config Config, classifier Classifier) (*Gate, error) {
	if config.StartFrames == 0 && config.EndFrames == 0 {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, fmt.Errorf("vad: classifier is required")
	}
	return &Gate{config: config, classifier: classifier}, nil
}

// ProcessFrame classifies one PCM frame and returns the resulting event.
// The gate guarantees an end is only ever emitted after a start, and two
// starts are always separated by an end.
func (g *Gate) ProcessFrame(pcm []byte) Event {
	speech := g.classifier.IsSpeech(pcm)

	if g.open {
		if speech {
			g.silenceRun = 0
			return None
		}
		g.silenceRun++
		if g.silenceRun >= g.config.EndFrames {
			g.open = false
			g.silenceRun = 0
			g.speechRun = 0
			return UtteranceEnd
		}
		return None
	}

	if !speech {
		g.speechRun = 0
		return None
	}
	g.speechRun++
	if g.speechRun >= g.config.StartFrames {
		g.open = true
		g.speechRun = 0
		g.silenceRun = 0
		return UtteranceStart
	}
	return None
}

// Open reports whether an utterance is currently open.
func (g *Gate) Open() bool {
	return g.open
}

// Reset returns the gate to its initial state. Used when a call abandons
// the current utterance, for example on a recognition failure.
func (g *Gate) Reset() {
	g.open = false
	g.speechRun = 0
	g.silenceRun = 0
}
