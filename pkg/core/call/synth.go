package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/audio"
	"github.com/serviolabs/servio/pkg/core/record"
	"github.com/serviolabs/servio/pkg/core/tts"
)

// FinalAudioMark names the playback marker of the call's last reply. When
// the transport echoes it, the session starts draining.
const FinalAudioMark = "final-audio"

type synthJob struct {
	text  string
	mark  string
	index int
}

// synthDispatcher streams replies to the caller strictly sequentially: a
// single worker synthesizes one reply at a time, so a new reply never
// starts while a previous reply's audio is still streaming. After the
// last chunk of a reply it sends the reply's playback mark.
type synthDispatcher struct {
	provider   tts.Provider
	opts       tts.SynthesizeOptions
	transport  Transport
	aggregator *record.Aggregator
	logger     *slog.Logger

	// fail is invoked from the worker when a reply cannot be synthesized
	// or delivered.
	fail func(job synthJob, err error)

	jobs    chan synthJob
	quit    chan struct{}
	done    chan struct{}
	pending atomic.Int32
	seq     int
	mu      sync.Mutex
	closed  atomic.Bool
}

func newSynthDispatcher(provider tts.Provider, opts tts.SynthesizeOptions, transport Transport,
	aggregator *record.Aggregator, logger *slog.Logger, fail func(synthJob, error)) *synthDispatcher {
	d := &synthDispatcher{
		provider:   provider,
		opts:       opts,
		transport:  transport,
		aggregator: aggregator,
		logger:     logger,
		fail:       fail,
		jobs:       make(chan synthJob, 8),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go d.worker()
	return d
}

// enqueue schedules one reply. Final replies get the FinalAudioMark;
// every other reply gets a sequence mark. Returns the mark name.
func (d *synthDispatcher) enqueue(text string, final bool) string {
	if d.closed.Load() {
		return ""
	}
	d.mu.Lock()
	d.seq++
	job := synthJob{text: text, index: d.seq}
	if final {
		job.mark = FinalAudioMark
	} else {
		job.mark = fmt.Sprintf("reply-%d", d.seq)
	}
	d.mu.Unlock()

	d.pending.Add(1)
	select {
	case d.jobs <- job:
	case <-d.quit:
		d.pending.Add(-1)
		return ""
	}
	return job.mark
}

// busy reports whether a reply is queued or currently streaming. Used for
// turn discipline: while busy, inbound speech does not open an utterance
// unless barge-in is allowed.
func (d *synthDispatcher) busy() bool {
	return d.pending.Load() > 0
}

func (d *synthDispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case job := <-d.jobs:
			d.run(job)
			d.pending.Add(-1)
		}
	}
}

func (d *synthDispatcher) run(job synthJob) {
	stream, err := d.provider.SynthesizeStream(context.Background(), job.text, d.opts)
	if err != nil {
		d.fail(job, err)
		return
	}
	defer stream.Close()

	for chunk := range stream.Chunks() {
		if err := d.transport.SendAudio(chunk); err != nil {
			d.fail(job, core.WrapError(core.ErrSynthesisFailed, "send audio chunk", err))
			return
		}
		if d.aggregator != nil {
			d.aggregator.Append(audio.NewFrame(audio.Outbound, audio.EncodingULaw, chunk))
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
	if err := stream.Err(); err != nil {
		d.fail(job, err)
		return
	}

	if err := d.transport.SendMark(job.mark); err != nil {
		d.logger.Warn("send playback mark failed", "mark", job.mark, "error", err)
	}
}

// drain waits up to timeout for queued replies to finish streaming.
// Returns false if replies were still pending at the deadline.
func (d *synthDispatcher) drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for d.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return d.pending.Load() == 0
}

// close stops the worker. The in-flight reply is abandoned mid-chunk.
func (d *synthDispatcher) close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.quit)
	<-d.done
}
