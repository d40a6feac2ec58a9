// Package record accumulates a call's audio for durable storage. Every
// inbound and outbound frame is appended in arrival order; at call end the
// assembled clip is handed off to blob storage exactly once.
package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/audio"
)

// BlobStore uploads one finished clip.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Aggregator buffers one call's frames. Safe for concurrent appends from
// the inbound and outbound paths.
type Aggregator struct {
	callID string
	store  BlobStore

	mu      sync.Mutex
	data    []byte
	flushed bool
	frames  int
}

// NewAggregator creates an aggregator for one call.
func NewAggregator(callID string, store BlobStore) *Aggregator {
	return &Aggregator{
		callID: callID,
		store:  store,
	}
}

// Append records a frame's payload. Frames arriving after the flush are
// dropped; the clip is already on its way out.
func (a *Aggregator) Append(frame audio.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushed {
		return
	}
	a.data = append(a.data, frame.Data...)
	a.frames++
}

// Flush hands the clip to blob storage and releases the buffer. Only the
// first call uploads; later calls are no-ops. The buffer is released
// regardless of upload outcome, and a failure comes back as UploadFailed
// for reporting; it must never block call teardown.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.flushed {
		a.mu.Unlock()
		return nil
	}
	a.flushed = true
	data := a.data
	a.data = nil
	a.mu.Unlock()

	if a.store == nil || len(data) == 0 {
		return nil
	}

	// The blob store prepends its own folder prefix.
	key := fmt.Sprintf("%s.ulaw", a.callID)
	if err := a.store.Upload(ctx, key, data, "audio/basic"); err != nil {
		return core.WrapError(core.ErrUploadFailed,
			fmt.Sprintf("upload recording %s", key), err)
	}
	return nil
}

// Len returns the buffered byte count. Zero after flush.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Frames returns how many frames were appended.
func (a *Aggregator) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}
