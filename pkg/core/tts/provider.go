// Package tts converts finalized reply text to telephony audio streams.
package tts

import (
	"context"
	"sync"
)

// Provider is the interface for speech-synthesis services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream converts one reply to streaming audio. Chunks
	// arrive in synthesis order; the channel closes when the reply is
	// fully synthesized or the stream fails.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string // voice identifier
	Language   string // language code
	Format     string // output format, default "ulaw_8000" for telephony
	SampleRate int    // sample rate hint for raw formats
}

// SynthesisStream carries one reply's ordered audio chunks.
type SynthesisStream struct {
	chunks chan []byte
	done   chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err reports a synthesis failure. Meaningful once Chunks is drained.
func (s *SynthesisStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close abandons the stream. Safe to call more than once.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Send delivers a chunk. Returns false once the stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// SetError records the stream failure.
func (s *SynthesisStream) SetError(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// FinishSending closes the chunk channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
