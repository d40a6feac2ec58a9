package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/serviolabs/servio/pkg/core"
	"github.com/serviolabs/servio/pkg/core/audio"
	"github.com/serviolabs/servio/pkg/core/dialogue"
	"github.com/serviolabs/servio/pkg/core/record"
	"github.com/serviolabs/servio/pkg/core/stt"
	"github.com/serviolabs/servio/pkg/core/tts"
	"github.com/serviolabs/servio/pkg/core/types"
	"github.com/serviolabs/servio/pkg/core/vad"
)

// ---- fakes ----

type fakeSTTStream struct {
	mu          sync.Mutex
	final       string
	failAfter   int
	sent        int
	transcripts chan stt.TranscriptDelta
	done        chan struct{}
	err         error
	endOnce     sync.Once
}

func newFakeSTTStream(final string, failAfter int) *fakeSTTStream {
	return &fakeSTTStream{
		final:       final,
		failAfter:   failAfter,
		transcripts: make(chan stt.TranscriptDelta, 16),
		done:        make(chan struct{}),
	}
}

func (s *fakeSTTStream) SendAudio([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if s.failAfter > 0 && s.sent >= s.failAfter {
		err := core.NewError(core.ErrRecognitionAborted, "provider dropped")
		s.endLocked(err)
		return err
	}
	return nil
}

func (s *fakeSTTStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return core.NewError(core.ErrSessionClosed, "stream ended")
	default:
	}
	s.transcripts <- stt.TranscriptDelta{Text: s.final, IsFinal: true, IsComplete: true}
	return nil
}

func (s *fakeSTTStream) Transcripts() <-chan stt.TranscriptDelta { return s.transcripts }
func (s *fakeSTTStream) Done() <-chan struct{}                   { return s.done }

func (s *fakeSTTStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(nil)
	return nil
}

func (s *fakeSTTStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *fakeSTTStream) endLocked(err error) {
	s.endOnce.Do(func() {
		if err != nil {
			s.err = err
		}
		close(s.transcripts)
		close(s.done)
	})
}

type fakeSTTProvider struct {
	mu             sync.Mutex
	streams        []*fakeSTTStream
	final          string
	failFirstAfter int
}

func (p *fakeSTTProvider) Name() string { return "fake-stt" }

func (p *fakeSTTProvider) OpenStream(context.Context, stt.StreamOptions) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	failAfter := 0
	if len(p.streams) == 0 {
		failAfter = p.failFirstAfter
	}
	s := newFakeSTTStream(p.final, failAfter)
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeSTTProvider) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakeSTTProvider) sentFrames(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return 0
	}
	return p.streams[i].sentCount()
}

type fakeTTS struct {
	mu          sync.Mutex
	synthesized []string
	fail        bool

	// release, when set, holds every synthesis stream open until closed.
	release chan struct{}
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) SynthesizeStream(_ context.Context, text string, _ tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	f.mu.Lock()
	if f.fail {
		f.mu.Unlock()
		return nil, core.NewError(core.ErrSynthesisFailed, "voice service down")
	}
	f.synthesized = append(f.synthesized, text)
	release := f.release
	f.mu.Unlock()

	stream := tts.NewSynthesisStream()
	go func() {
		defer stream.FinishSending()
		if release != nil {
			<-release
		}
		data := []byte(text)
		half := len(data) / 2
		stream.Send(data[:half])
		stream.Send(data[half:])
	}()
	return stream, nil
}

func (f *fakeTTS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synthesized)
}

type fakeTransport struct {
	mu       sync.Mutex
	audio    [][]byte
	marks    []string
	clears   int
	endCalls int
}

func (f *fakeTransport) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, payload)
	return nil
}

func (f *fakeTransport) SendMark(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeTransport) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTransport) EndCall() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return nil
}

func (f *fakeTransport) cleared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTransport) markList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.marks))
	copy(out, f.marks)
	return out
}

func (f *fakeTransport) ended() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endCalls
}

type fakeLLM struct {
	mu     sync.Mutex
	script []*types.ChatResponse
}

func (f *fakeLLM) CreateChat(context.Context, types.ChatRequest) (*types.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return &types.ChatResponse{Text: "Anything else?"}, nil
	}
	resp := f.script[0]
	f.script = f.script[1:]
	return resp, nil
}

type endCallDispatcher struct{}

func (endCallDispatcher) Dispatch(_ context.Context, call types.ToolCall) types.ToolResult {
	return types.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Summary: "order saved",
		EndCall: true,
	}
}

func (endCallDispatcher) Declarations() []types.Tool {
	return []types.Tool{types.NewTool("order_summary", "report order", nil)}
}

type fakeBlobStore struct {
	mu      sync.Mutex
	uploads int
	err     error
}

func (f *fakeBlobStore) Upload(context.Context, string, []byte, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return f.err
}

func (f *fakeBlobStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

// ---- helpers ----

func loudFrame(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x20
	}
	raw, err := audio.EncodeULaw(pcm)
	if err != nil {
		t.Fatalf("encode loud frame: %v", err)
	}
	return raw
}

func silenceFrame() []byte {
	raw := make([]byte, 160)
	for i := range raw {
		raw[i] = 0xFF
	}
	return raw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRig struct {
	controller *Controller
	sttProv    *fakeSTTProvider
	ttsProv    *fakeTTS
	transport  *fakeTransport
	blob       *fakeBlobStore
	llm        *fakeLLM
}

func newTestRig(t *testing.T, llm *fakeLLM, dispatcher dialogue.ToolDispatcher, config Config) *testRig {
	t.Helper()
	engine, err := dialogue.NewEngine(llm, dispatcher, dialogue.Config{RetryDelay: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	rig := &testRig{
		sttProv:   &fakeSTTProvider{final: "one item please"},
		ttsProv:   &fakeTTS{},
		transport: &fakeTransport{},
		blob:      &fakeBlobStore{},
		llm:       llm,
	}

	if config.CallID == "" {
		config.CallID = "CA123"
	}
	if config.VAD.StartFrames == 0 {
		config.VAD = vad.Config{StartFrames: 2, EndFrames: 3}
	}
	config.PushTimeout = 100 * time.Millisecond
	config.DrainTimeout = time.Second

	rig.controller, err = NewController(config, Collaborators{
		STT:        rig.sttProv,
		TTS:        rig.ttsProv,
		Engine:     engine,
		Transport:  rig.transport,
		Aggregator: record.NewAggregator(config.CallID, rig.blob),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return rig
}

// speakUtterance injects speech frames until an utterance opens, then
// silence until it closes.
func (r *testRig) speakUtterance(t *testing.T, streams int) {
	t.Helper()
	loud := loudFrame(t)
	waitFor(t, "utterance open", func() bool {
		r.controller.HandleMedia(loud)
		return r.sttProv.opened() >= streams
	})
	for i := 0; i < 4; i++ {
		r.controller.HandleMedia(silenceFrame())
	}
}

func drainEvents(c *Controller) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ---- scenarios ----

func TestCallOneItemPlease(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{Greeting: "Welcome to KK Restaurant!"})
	defer rig.controller.Close()

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rig.controller.State() != StateActive {
		t.Fatalf("state = %v", rig.controller.State())
	}

	// Greeting streams first; wait for its playback mark.
	waitFor(t, "greeting mark", func() bool { return len(rig.transport.markList()) == 1 })
	rig.controller.HandleMark(rig.transport.markList()[0])

	rig.speakUtterance(t, 1)

	waitFor(t, "reply mark", func() bool { return len(rig.transport.markList()) == 2 })
	rig.controller.HandleMark(rig.transport.markList()[1])

	if got := rig.ttsProv.count(); got != 2 {
		t.Fatalf("synthesized %d replies, want greeting + 1", got)
	}

	var replies, playbacks, finalTranscripts int
	lastPlayback := 0
	for _, ev := range drainEvents(rig.controller) {
		switch ev := ev.(type) {
		case *ReplyEvent:
			replies++
		case *TranscriptEvent:
			if ev.IsFinal {
				finalTranscripts++
				if ev.Text != "one item please" {
					t.Errorf("final transcript = %q", ev.Text)
				}
			}
		case *PlaybackEvent:
			playbacks++
			if ev.Index <= lastPlayback {
				t.Errorf("playback %d arrived after %d", ev.Index, lastPlayback)
			}
			lastPlayback = ev.Index
		}
	}
	if replies != 2 {
		t.Errorf("reply events = %d, want greeting + exactly one reply", replies)
	}
	if finalTranscripts != 1 {
		t.Errorf("final transcripts = %d, want 1", finalTranscripts)
	}
	if playbacks != 2 {
		t.Errorf("playback events = %d, want 2", playbacks)
	}
}

func TestCallOrderDoneHangsUpAndFlushesOnce(t *testing.T) {
	llm := &fakeLLM{script: []*types.ChatResponse{
		{ToolCall: &types.ToolCall{ID: "c1", Name: "order_summary", Arguments: []byte(`{}`)}},
		{Text: "Your order is confirmed. Goodbye!"},
	}}
	rig := newTestRig(t, llm, endCallDispatcher{}, Config{})
	defer rig.controller.Close()

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.speakUtterance(t, 1)

	waitFor(t, "final audio mark", func() bool {
		marks := rig.transport.markList()
		return len(marks) == 1 && marks[0] == FinalAudioMark
	})

	// Transport echoes the final mark once playback finishes.
	rig.controller.HandleMark(FinalAudioMark)

	if rig.controller.State() != StateDraining {
		t.Fatalf("state after final mark = %v, want DRAINING", rig.controller.State())
	}
	if rig.transport.ended() == 0 {
		t.Fatal("transport was never told to end the call")
	}

	// The transport stop arrives after the hangup.
	rig.controller.HandleStop()
	<-rig.controller.Done()

	if rig.controller.State() != StateClosed {
		t.Fatalf("final state = %v, want CLOSED", rig.controller.State())
	}
	if rig.blob.count() != 1 {
		t.Fatalf("recording uploads = %d, want exactly 1", rig.blob.count())
	}
}

func TestCallRecognitionDropStaysActive(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{})
	rig.sttProv.failFirstAfter = 1
	defer rig.controller.Close()

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First utterance: the stream dies on the first frame.
	loud := loudFrame(t)
	waitFor(t, "first stream", func() bool {
		rig.controller.HandleMedia(loud)
		return rig.sttProv.opened() == 1
	})
	waitFor(t, "stream abandoned", func() bool {
		rig.controller.HandleMedia(silenceFrame())
		rig.controller.mu.Lock()
		defer rig.controller.mu.Unlock()
		return rig.controller.stream == nil
	})
	if rig.controller.State() != StateActive {
		t.Fatalf("state after drop = %v, want ACTIVE", rig.controller.State())
	}

	// Second utterance works on a fresh stream.
	rig.speakUtterance(t, 2)
	waitFor(t, "reply after recovery", func() bool { return rig.ttsProv.count() == 1 })

	if rig.sttProv.opened() != 2 {
		t.Fatalf("streams opened = %d, want 2", rig.sttProv.opened())
	}
}

func TestCallUploadFailureStillCloses(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{})
	rig.blob.err = errors.New("s3 down")

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.controller.HandleMedia(loudFrame(t))
	rig.controller.HandleStop()
	<-rig.controller.Done()

	if rig.controller.State() != StateClosed {
		t.Fatalf("final state = %v, want CLOSED", rig.controller.State())
	}

	var uploadErrors int
	for _, ev := range drainEvents(rig.controller) {
		if errEv, ok := ev.(*ErrorEvent); ok && errEv.Code == string(core.ErrUploadFailed) {
			uploadErrors++
		}
	}
	if uploadErrors == 0 {
		t.Fatal("upload failure was never reported")
	}
}

func TestCallSingleOpenUtteranceUnderConcurrency(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{AllowBargeIn: true})
	defer rig.controller.Close()

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	loud := loudFrame(t)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if (i+seed)%3 == 0 {
					rig.controller.HandleMedia(silenceFrame())
				} else {
					rig.controller.HandleMedia(loud)
				}
			}
		}(g)
	}
	wg.Wait()

	open := 0
	for _, ev := range drainEvents(rig.controller) {
		switch ev.(type) {
		case *UtteranceStartedEvent:
			open++
			if open > 1 {
				t.Fatal("two utterances open at once")
			}
		case *UtteranceEndedEvent:
			open--
			if open < 0 {
				t.Fatal("utterance end without start")
			}
		}
	}
}

func TestCallOnsetFramesReachRecognition(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{})
	defer rig.controller.Close()

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// StartFrames is 2: the first speech frame is debounced, the second
	// opens the utterance. Both must reach the recognition stream.
	loud := loudFrame(t)
	rig.controller.HandleMedia(loud)
	rig.controller.HandleMedia(loud)

	waitFor(t, "stream open", func() bool { return rig.sttProv.opened() == 1 })
	waitFor(t, "onset frames delivered", func() bool { return rig.sttProv.sentFrames(0) == 2 })
}

func TestCallBargeInClearsBufferedPlayback(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{}, nil, Config{
		Greeting:     "Welcome to KK Restaurant!",
		AllowBargeIn: true,
	})
	// Hold the greeting's synthesis stream open so the caller speaks
	// over it.
	release := make(chan struct{})
	rig.ttsProv.release = release
	defer rig.controller.Close()
	defer close(release)

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "greeting synthesis", func() bool { return rig.ttsProv.count() == 1 })

	loud := loudFrame(t)
	waitFor(t, "utterance open over playback", func() bool {
		rig.controller.HandleMedia(loud)
		return rig.sttProv.opened() >= 1
	})
	waitFor(t, "buffered playback cleared", func() bool { return rig.transport.cleared() >= 1 })
}

func TestCallRepeatedTurnFailuresEscalate(t *testing.T) {
	llm := &fakeLLM{}
	rig := newTestRig(t, llm, nil, Config{MaxTurnFailures: 1})
	// Exhaust the script so every request fails.
	engine, err := dialogue.NewEngine(&failingLLM{}, nil, dialogue.Config{RetryDelay: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rig.controller.engine = engine

	if err := rig.controller.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.speakUtterance(t, 1)

	<-rig.controller.Done()
	if rig.controller.State() != StateErrored {
		t.Fatalf("final state = %v, want ERRORED", rig.controller.State())
	}
	if rig.transport.ended() == 0 {
		t.Fatal("errored session must hang up")
	}
}

type failingLLM struct{}

func (failingLLM) CreateChat(context.Context, types.ChatRequest) (*types.ChatResponse, error) {
	return nil, core.NewError(core.ErrModelRequestFailed, "upstream down")
}
