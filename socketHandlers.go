package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"

	"agriscan/detector"
	"agriscan/scan"
	"agriscan/utils"
)

// socketController streams continuous detection over socket.io. Every
// connection gets its own tracking session keyed by the socket id.
type socketController struct {
	scanner *scan.Scanner
	adapter *detector.Adapter
}

func newSocketController(scanner *scan.Scanner, adapter *detector.Adapter) *socketController {
	return &socketController{scanner: scanner, adapter: adapter}
}

func (c *socketController) emitModelInfo(socket socketio.Conn) {
	socket.Emit("modelInfo", c.adapter.Info())
}

func (c *socketController) handleRequestModelInfo(socket socketio.Conn) {
	c.emitModelInfo(socket)
}

func (c *socketController) handleNewFrame(socket socketio.Conn, msg string) {
	logger := utils.GetLogger()
	ctx := context.Background()

	if msg == "" {
		socket.Emit("detectionError", map[string]string{"message": "no frame data received"})
		return
	}

	var req scan.Request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "failed to parse frame payload", slog.Any("error", err))
		socket.Emit("detectionError", map[string]string{"message": "invalid frame payload"})
		return
	}
	req.SessionID = socket.ID()

	started := time.Now()
	resp, err := c.scanner.Continuous(ctx, req)
	if err != nil {
		logger.WarnContext(ctx, "frame detection failed",
			slog.String("socketID", socket.ID()),
			slog.Any("error", err),
		)
		socket.Emit("detectionError", map[string]string{"message": resp.Error})
		return
	}

	logger.DebugContext(ctx, "frame processed",
		slog.String("socketID", socket.ID()),
		slog.Int("count", resp.Count),
		slog.Float64("latency_ms", float64(time.Since(started).Microseconds())/1000),
	)
	socket.Emit("detectionResult", resp)
}

func (c *socketController) handleResetTracking(socket socketio.Conn) {
	c.scanner.ResetTracking(socket.ID())
	socket.Emit("trackingReset", map[string]interface{}{
		"success": true,
		"message": "Tracking history reset",
	})
}

func (c *socketController) handleDisconnect(socket socketio.Conn) {
	c.scanner.RemoveSession(socket.ID())
}

func newSocketServer(controller *socketController) *socketio.Server {
	logger := utils.GetLogger()

	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		logger.Info("socket connected",
			slog.String("socketID", socket.ID()),
			slog.String("remoteAddr", socket.RemoteAddr().String()),
		)
		controller.emitModelInfo(socket)
		return nil
	})

	server.OnEvent("/", "requestModelInfo", func(socket socketio.Conn) {
		controller.handleRequestModelInfo(socket)
	})

	server.OnEvent("/", "newFrame", func(socket socketio.Conn, msg string) {
		// Inference is slow; keep the socket read loop free.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in frame handler",
						slog.String("socketID", socket.ID()),
						slog.Any("panic", r),
					)
					socket.Emit("detectionError", map[string]string{"message": "internal server error during processing"})
				}
			}()
			controller.handleNewFrame(socket, msg)
		}()
	})

	server.OnEvent("/", "resetTracking", func(socket socketio.Conn) {
		controller.handleResetTracking(socket)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		logger.Warn("socket error", slog.Any("error", e))
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		logger.Info("socket disconnected", slog.String("socketID", s.ID()), slog.String("reason", reason))
		controller.handleDisconnect(s)
	})

	return server
}
