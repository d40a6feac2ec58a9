package stt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/serviolabs/servio/pkg/core"
)

const (
	// DefaultQueueSize holds about 640ms of 20ms telephony frames.
	DefaultQueueSize = 32
	// DefaultPushTimeout bounds how long the audio path may stall on a
	// full queue before the utterance is abandoned.
	DefaultPushTimeout = 250 * time.Millisecond
)

type frameMsg struct {
	data     []byte
	finalize bool
}

// FrameQueue decouples the caller-facing audio path from provider
// backpressure. Frames are forwarded to the stream by a pump goroutine;
// when the queue is full, Push blocks briefly rather than dropping the
// oldest frame, and gives up with RecognitionOverloaded after the timeout.
// Once overloaded or aborted the queue is dead and every later Push fails
// with the same error.
type FrameQueue struct {
	stream  Stream
	frames  chan frameMsg
	quit    chan struct{}
	done    chan struct{}
	timeout time.Duration

	closed atomic.Bool
	errMu  sync.Mutex
	err    error
}

// NewFrameQueue starts a queue pumping into the given stream.
func NewFrameQueue(stream Stream, size int, pushTimeout time.Duration) *FrameQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	q := &FrameQueue{
		stream:  stream,
		frames:  make(chan frameMsg, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: pushTimeout,
	}
	go q.pump()
	return q
}

func (q *FrameQueue) pump() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case msg := <-q.frames:
			var err error
			if msg.finalize {
				err = q.stream.Finalize()
			} else {
				err = q.stream.SendAudio(msg.data)
			}
			if err != nil {
				if !core.IsType(err, core.ErrRecognitionAborted) {
					err = core.WrapError(core.ErrRecognitionAborted, "forward frame", err)
				}
				q.setErr(err)
				return
			}
		}
	}
}

// Push enqueues one audio payload for the stream. Blocks up to the push
// timeout when the queue is full.
func (q *FrameQueue) Push(data []byte) error {
	return q.enqueue(frameMsg{data: data})
}

// Finalize enqueues an utterance-boundary marker behind any pending
// frames, so the provider finalizes only after all audio is delivered.
func (q *FrameQueue) Finalize() error {
	return q.enqueue(frameMsg{finalize: true})
}

func (q *FrameQueue) enqueue(msg frameMsg) error {
	if q.closed.Load() {
		return core.NewError(core.ErrSessionClosed, "frame queue closed")
	}
	if err := q.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.frames <- msg:
		return nil
	case <-q.done:
		if err := q.Err(); err != nil {
			return err
		}
		return core.NewError(core.ErrSessionClosed, "frame queue closed")
	case <-timer.C:
		err := core.NewError(core.ErrRecognitionOverloaded, "frame queue full past push timeout")
		q.setErr(err)
		return err
	}
}

// Err reports the error that killed the queue, if any.
func (q *FrameQueue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *FrameQueue) setErr(err error) {
	q.errMu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.errMu.Unlock()
}

// Close stops the pump. Pending frames past the current send are dropped.
// Does not close the underlying stream; that belongs to the caller.
func (q *FrameQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.quit)
	<-q.done
}
