package connection

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
)

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError logs why a receive loop ended.
func HandleReadError(connID string, err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		logger.InfoF("[%s] Client close connection, code %d %s", connID, closeErr.Code, closeErr.Text)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case IsNetClosedError(err), errors.Is(err, ErrClosed):
		logger.DebugF("[%s] Connection closed locally", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occurred while reading frame, details: %v", connID, err)
	}
}
