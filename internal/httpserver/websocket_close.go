package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

// wsClose is the close frame sent when a websocket handler returns.
type wsClose struct {
	code   websocket.StatusCode
	reason string
}

var (
	closeNormal         = wsClose{code: websocket.StatusNormalClosure}
	closeMonitorStopped = wsClose{code: websocket.StatusGoingAway, reason: "monitor stopped"}
	closeBackpressure   = wsClose{code: websocket.StatusTryAgainLater, reason: "outbound queue unavailable"}
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, frame wsClose) {
	if conn == nil {
		return
	}
	if err := conn.Close(frame.code, frame.reason); err != nil && logger != nil {
		logger.Debug("websocket close failed", "err", err, "code", frame.code)
	}
}
