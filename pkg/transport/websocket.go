package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket carries one frame per binary WebSocket message.
type WebSocket struct {
	conn *websocket.Conn
	out  outbound
	log  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	o := buildOptions(opts)
	ws := &WebSocket{
		conn: conn,
		log:  o.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
	ws.out = newOutbound("websocket", ws.log, ws.send)
	return ws
}

// DialWebSocket connects to a peer serving WebSocketHandler at url.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts...), nil
}

// WebSocketHandler upgrades each request and hands the connection to
// accept. The connection outlives the request.
func WebSocketHandler(accept func(*WebSocket), opts ...Option) http.Handler {
	o := buildOptions(opts)
	up := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			o.log.Debug("websocket upgrade", zap.Error(err))
			return
		}
		accept(NewWebSocket(conn, opts...))
	})
}

func (ws *WebSocket) Read() ([]byte, bool) {
	for {
		typ, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Debug("websocket read", zap.Error(err))
			}
			return nil, false
		}
		if typ == websocket.BinaryMessage {
			return data, true
		}
	}
}

func (ws *WebSocket) Write(frame []byte) error {
	return ws.out.write(frame)
}

func (ws *WebSocket) send(frame []byte) error {
	return ws.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends queued frames, says goodbye and closes the connection.
func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		ws.out.flush()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}
