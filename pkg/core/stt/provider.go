// Package stt bridges caller utterances to a streaming transcription
// service and surfaces interim and final transcripts.
package stt

import "context"

// Provider is the interface for streaming speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// OpenStream dials a live transcription stream. The stream stays open
	// across utterances until closed; per-utterance boundaries are signaled
	// with Finalize.
	OpenStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is one open duplex transcription stream.
type Stream interface {
	// SendAudio pushes a raw audio payload to the service.
	SendAudio(data []byte) error

	// Finalize flushes buffered audio and asks the service to finalize the
	// current utterance without closing the stream.
	Finalize() error

	// Transcripts returns the channel of transcript updates. Closed when
	// the stream ends.
	Transcripts() <-chan TranscriptDelta

	// Done returns a channel closed when the stream ends for any reason.
	Done() <-chan struct{}

	// Err reports why the stream ended. Nil for a clean close; a
	// RecognitionAborted error after a mid-stream disconnect. Only
	// meaningful once Done is closed.
	Err() error

	// Close tears the stream down.
	Close() error
}

// StreamOptions configures a live transcription stream.
type StreamOptions struct {
	Model          string // provider-specific model name
	Language       string // ISO language code (default: "en")
	Encoding       string // raw audio encoding ("mulaw", "linear16")
	SampleRate     int    // audio sample rate in Hz
	Channels       int    // audio channel count
	InterimResults bool   // emit non-final transcript drafts
}

// TranscriptDelta is a streaming transcript update.
type TranscriptDelta struct {
	Text       string  // transcript for the current utterance span
	IsFinal    bool    // the provider will not revise this span
	IsComplete bool    // the provider considers the utterance finished
	Confidence float64 // provider confidence, 0 when unreported
}
