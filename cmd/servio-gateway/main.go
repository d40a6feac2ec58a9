// Command servio-gateway answers restaurant phone orders over Twilio
// media streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/serviolabs/servio/internal/dotenv"
	"github.com/serviolabs/servio/internal/notify"
	"github.com/serviolabs/servio/internal/storage"
	"github.com/serviolabs/servio/internal/store"
	"github.com/serviolabs/servio/pkg/core/call"
	"github.com/serviolabs/servio/pkg/core/dialogue"
	"github.com/serviolabs/servio/pkg/core/providers/openai"
	"github.com/serviolabs/servio/pkg/core/record"
	"github.com/serviolabs/servio/pkg/core/stt"
	"github.com/serviolabs/servio/pkg/core/tools"
	"github.com/serviolabs/servio/pkg/core/tts"
	"github.com/serviolabs/servio/pkg/core/vad"
	"github.com/serviolabs/servio/pkg/gateway/config"
	"github.com/serviolabs/servio/pkg/gateway/handlers"
	"github.com/serviolabs/servio/pkg/gateway/transport"
)

// app holds the long-lived collaborators every call session shares.
// Optional integrations are nil when unconfigured.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *call.Registry

	llm      dialogue.LLMClient
	sttProv  stt.Provider
	ttsProv  tts.Provider
	callLog  call.CallLog
	orders   tools.OrderStore
	notifier tools.Notifier
	blobs    record.BlobStore
	hangup   func(callSid string) error

	instruction string
	menuText    string
}

// newApp builds the shared collaborators from configuration. The returned
// cleanup releases database connections and must run after the server
// stops.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, func(), error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: call.NewRegistry(),
		llm:      openai.New(cfg.OpenAIAPIKey, openai.WithModel(cfg.OpenAIModel)),
		sttProv:  stt.NewDeepgram(cfg.DeepgramAPIKey),
		ttsProv:  tts.NewElevenLabs(cfg.ElevenLabsAPIKey),
	}
	cleanup := func() {}

	menuLines, err := cfg.MenuLines()
	if err != nil {
		return nil, nil, fmt.Errorf("read menu: %w", err)
	}
	a.menuText = strings.Join(menuLines, "\n")
	a.instruction = dialogue.InstructionConfig{
		RestaurantName: cfg.RestaurantName,
		MenuLines:      menuLines,
		Language:       languageName(cfg.Language),
	}.Compose()

	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		a.callLog = db
		a.orders = db
		cleanup = db.Close
	}

	if cfg.S3Bucket != "" {
		blobs, err := storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open recording store: %w", err)
		}
		a.blobs = blobs
	}

	if cfg.TwilioAccountSID != "" {
		twilio, err := notify.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		a.notifier = twilio
		a.hangup = twilio.EndCall
	}

	return a, cleanup, nil
}

// newSession builds the controller for one accepted media stream: a fresh
// dialogue engine, per-call tool registry and recording buffer wired to
// the shared providers.
func (a *app) newSession(start transport.StartInfo, conn *transport.Conn) (*call.Controller, error) {
	callInfo := tools.CallInfo{CallID: start.CallSid, Caller: start.Caller}
	logger := a.logger.With("call_id", start.CallSid)

	toolReg := tools.NewRegistry(logger)
	toolReg.Register(tools.NewOrderSummaryHandler(a.orders, a.notifier, callInfo, tools.OrderConfig{
		TaxRate:        a.cfg.TaxRate,
		RestaurantName: a.cfg.RestaurantName,
	}, logger))
	if a.notifier != nil && a.menuText != "" {
		toolReg.Register(tools.NewSendMenuHandler(a.notifier, callInfo, a.menuText, logger))
	}

	engine, err := dialogue.NewEngine(a.llm, toolReg, dialogue.Config{
		System: a.instruction,
	}, logger)
	if err != nil {
		return nil, err
	}

	var aggregator *record.Aggregator
	if a.blobs != nil {
		aggregator = record.NewAggregator(start.CallSid, a.blobs)
	}

	return call.NewController(call.Config{
		CallID:       start.CallSid,
		Caller:       start.Caller,
		Greeting:     a.cfg.Greeting,
		AllowBargeIn: a.cfg.AllowBargeIn,
		VAD: vad.Config{
			StartFrames: a.cfg.VADStartFrames,
			EndFrames:   a.cfg.VADEndFrames,
		},
		EnergyThreshold: a.cfg.EnergyThreshold,
		STT: stt.StreamOptions{
			Model:          a.cfg.DeepgramModel,
			Language:       a.cfg.Language,
			Encoding:       "mulaw",
			SampleRate:     8000,
			Channels:       1,
			InterimResults: true,
		},
		TTS: tts.SynthesizeOptions{
			Voice:      a.cfg.ElevenLabsVoiceID,
			Format:     "ulaw_8000",
			SampleRate: 8000,
		},
		QueueSize:       a.cfg.STTQueueSize,
		PushTimeout:     a.cfg.STTPushTimeout,
		MaxTurnFailures: a.cfg.MaxTurnFailures,
		DrainTimeout:    a.cfg.DrainTimeout,
	}, call.Collaborators{
		STT:        a.sttProv,
		TTS:        a.ttsProv,
		Engine:     engine,
		Transport:  conn,
		Aggregator: aggregator,
		CallLog:    a.callLog,
		Logger:     a.logger,
	})
}

func (a *app) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/voice/inbound", handlers.VoiceHandler{
		PublicHost: a.cfg.PublicHost,
		Logger:     a.logger,
	})
	mux.Handle("/media-stream", handlers.MediaStreamHandler{
		Config:     a.cfg,
		Registry:   a.registry,
		NewSession: a.newSession,
		Hangup:     a.hangup,
		Logger:     a.logger,
	})
	mux.Handle("/healthz", handlers.HealthHandler{})
	mux.Handle("/readyz", handlers.ReadyHandler{
		Config:   a.cfg,
		Registry: a.registry,
	})
	return mux
}

// languageName maps an ISO code to the spoken name the system instruction
// uses. Unknown codes pass through untranslated.
func languageName(code string) string {
	switch strings.ToLower(code) {
	case "", "en", "en-us", "en-gb":
		return "English"
	case "es":
		return "Spanish"
	case "zh", "zh-cn":
		return "Chinese"
	default:
		return code
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting gateway", "addr", cfg.Addr,
		"restaurant", cfg.RestaurantName,
		"persistence", cfg.DatabaseURL != "",
		"recording", cfg.S3Bucket != "",
		"sms", cfg.TwilioAccountSID != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	closed := a.registry.CloseAll()
	if closed > 0 {
		logger.Info("closing active calls", "count", closed)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !a.registry.Wait(waitCtx) {
		logger.Warn("calls still draining at shutdown deadline")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "servio-gateway: %v\n", err)
		return 1
	}
	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(stderr, "servio-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
