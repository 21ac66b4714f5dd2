package simctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport sends each batch as one text message and expects one
// binary message back holding the reply in stream framing.
type WebSocketTransport struct {
	conn      *websocket.Conn
	url       string
	mu        sync.RWMutex
	connected bool
	once      sync.Once
	options   Options
}

// DialWebSocket connects to a ws:// or wss:// URL, retrying until the
// startup timeout.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocketTransport, error) {
	options := buildOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, options.StartupTimeout)
	defer cancel()

	conn, err := dialWithBackoff(ctx, options, func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	})
	if err != nil {
		return nil, &ConnectionError{Address: url, Err: err}
	}
	if options.Limits.MaxFrameSize > 0 {
		conn.SetReadLimit(int64(options.Limits.MaxFrameSize))
	}
	options.Logger.Debug("websocket connected", "url", url)
	return &WebSocketTransport{
		conn:      conn,
		url:       url,
		connected: true,
		options:   options,
	}, nil
}

// Send writes msg as a text message.
func (w *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	if !w.IsConnected() {
		return ErrTransportNotConnected
	}
	stop := w.watch(ctx)
	defer stop()
	return deadlineErr(ctx, w.conn.WriteMessage(websocket.TextMessage, msg))
}

// Receive reads one binary message and decodes its parts.
func (w *WebSocketTransport) Receive(ctx context.Context) ([][]byte, error) {
	if !w.IsConnected() {
		return nil, ErrTransportNotConnected
	}
	stop := w.watch(ctx)
	defer stop()

	typ, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, deadlineErr(ctx, err)
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", typ)
	}
	return DecodeMessage(data, w.options.Limits)
}

func (w *WebSocketTransport) watch(ctx context.Context) func() {
	dl, _ := ctx.Deadline()
	w.conn.SetReadDeadline(dl)
	w.conn.SetWriteDeadline(dl)
	stop := context.AfterFunc(ctx, func() {
		w.conn.SetReadDeadline(time.Now())
		w.conn.SetWriteDeadline(time.Now())
	})
	return func() { stop() }
}

// Close sends a close frame and closes the connection.
func (w *WebSocketTransport) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

// IsConnected returns true until Close is called.
func (w *WebSocketTransport) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
