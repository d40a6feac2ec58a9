package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/serviolabs/servio/pkg/core/call"
	"github.com/serviolabs/servio/pkg/gateway/config"
	"github.com/serviolabs/servio/pkg/gateway/transport"
)

// SessionFactory builds a call controller for one accepted media stream.
// The returned controller owns its collaborators; the conn serves as its
// transport.
type SessionFactory func(start transport.StartInfo, conn *transport.Conn) (*call.Controller, error)

// MediaStreamHandler upgrades Twilio media stream connections and runs
// one call session per connection.
type MediaStreamHandler struct {
	Config     config.Config
	Registry   *call.Registry
	NewSession SessionFactory

	// Hangup ends the phone call through the Twilio REST API. Optional.
	Hangup func(callSid string) error

	Logger *slog.Logger
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		// Twilio does not send a browser Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := transport.NewConn(ws, transport.Options{
		WriteTimeout:    h.Config.WSWriteTimeout,
		MaxMessageBytes: h.Config.MaxMediaMessageBytes,
		Logger:          logger,
	})
	defer conn.Close()

	start, err := conn.ReadStart()
	if err != nil {
		logger.Warn("media stream handshake failed", "error", err)
		return
	}
	logger = logger.With("call_sid", start.CallSid, "stream_sid", start.StreamSid)
	logger.Info("media stream started", "caller", start.Caller)

	if h.Hangup != nil {
		callSid := start.CallSid
		conn.SetHangup(func() error { return h.Hangup(callSid) })
	}

	controller, err := h.NewSession(start, conn)
	if err != nil {
		logger.Error("session setup failed", "error", err)
		return
	}
	defer controller.Close()

	if h.Registry != nil {
		unregister := h.Registry.Register(controller)
		defer unregister()
	}

	if err := controller.Start(); err != nil {
		logger.Error("session start failed", "error", err)
		return
	}

	// A session can close without a transport stop, such as during
	// shutdown. Closing the socket unblocks Run so the registry entry
	// is released as soon as the controller is done.
	go func() {
		<-controller.Done()
		conn.Close()
	}()

	if err := conn.Run(controller); err != nil {
		logger.Warn("media stream ended with error", "error", err)
	}
	<-controller.Done()
	logger.Info("media stream session ended", "state", controller.State().String())
}
