package stub

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TheAlpha16/simctl-go"
	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"
	"github.com/valkey-io/valkey-go"
)

// Listener is a running stub endpoint.
type Listener struct {
	addr  string
	stop  func() error
	once  sync.Once
	done  chan struct{}
	err   error
	errMu sync.Mutex
}

func newListener(addr string, stop func() error) *Listener {
	return &Listener{addr: addr, stop: stop, done: make(chan struct{})}
}

// Addr returns the address clients dial: a tcp:// endpoint for ZeroMQ and
// host:port for streams.
func (l *Listener) Addr() string { return l.addr }

// Close stops the listener and waits for its serve loop to exit.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.stop()
		<-l.done
	})
	return err
}

// Err returns the error that ended the serve loop, if any.
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Listener) finish(err error) {
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
	close(l.done)
}

// ListenZMQ binds a REP socket on endpoint, e.g. "tcp://127.0.0.1:0". On a
// dropped request the socket is closed, which is what a crashed build looks
// like to the client.
func (s *Server) ListenZMQ(endpoint string) (*Listener, error) {
	sock := zmq4.NewRep(context.Background())
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, err
	}
	addr := endpoint
	if a := sock.Addr(); a != nil {
		addr = "tcp://" + a.String()
	}

	closeSock := sync.OnceValue(sock.Close)
	l := newListener(addr, closeSock)
	go func() {
		l.finish(s.serveZMQ(sock, closeSock))
	}()
	s.logger.Info("stub listening", "transport", "zmq", "addr", addr)
	return l, nil
}

// ConnectZMQ dials a REP socket to a client that bound its REQ socket on
// endpoint, and serves it until the Listener is closed.
func (s *Server) ConnectZMQ(endpoint string) (*Listener, error) {
	sock := zmq4.NewRep(context.Background())
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, err
	}

	closeSock := sync.OnceValue(sock.Close)
	l := newListener(endpoint, closeSock)
	go func() {
		l.finish(s.serveZMQ(sock, closeSock))
	}()
	s.logger.Info("stub connected", "transport", "zmq", "endpoint", endpoint)
	return l, nil
}

func (s *Server) serveZMQ(sock zmq4.Socket, closeSock func() error) error {
	for {
		msg, err := sock.Recv()
		if err != nil {
			return err
		}
		if len(msg.Frames) == 0 {
			continue
		}
		parts, err := s.Handle(msg.Frames[0])
		if err != nil {
			closeSock()
			return err
		}
		if err := sock.SendMulti(zmq4.NewMsgFrom(parts...)); err != nil {
			return err
		}
	}
}

// ListenStream accepts TCP connections on address, e.g. "127.0.0.1:0", and
// serves each with the stream framing.
func (s *Server) ListenStream(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := map[net.Conn]struct{}{}

	l := newListener(ln.Addr().String(), func() error {
		err := ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		return err
	})

	go func() {
		var err error
		for {
			var conn net.Conn
			conn, err = ln.Accept()
			if err != nil {
				break
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveConn(conn)
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}()
		}
		wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		l.finish(err)
	}()
	s.logger.Info("stub listening", "transport", "stream", "addr", l.addr)
	return l, nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := simctl.ReadMessage(conn, simctl.Limits{})
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("stub read failed", "error", err)
			}
			return
		}
		if len(req) != 1 {
			s.logger.Debug("stub got malformed request", "parts", len(req))
			return
		}
		parts, err := s.Handle(req[0])
		if err != nil {
			return
		}
		if err := simctl.WriteMessage(conn, parts); err != nil {
			return
		}
	}
}

// WebSocketHandler serves the websocket variant: text requests, binary
// replies in stream framing.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("stub upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			parts, err := s.Handle(msg)
			if err != nil {
				return
			}
			data, err := simctl.EncodeMessage(parts)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	})
}

// WebSocketURL converts an http:// test server URL to ws://.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// ServeValkey answers requests relayed through a Valkey server on channel
// until ctx is done. Each reply carries the correlation id of its request.
func (s *Server) ServeValkey(ctx context.Context, client valkey.Client, channel string) error {
	reqKey := simctl.RequestKey(channel)
	repKey := simctl.ReplyKey(channel)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		kv, err := client.Do(ctx, client.B().Blpop().Key(reqKey).Timeout(time.Second.Seconds()).Build()).AsStrSlice()
		if valkey.IsValkeyNil(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(kv) != 2 {
			continue
		}
		req, err := simctl.DecodeMessage([]byte(kv[1]), simctl.Limits{})
		if err != nil || len(req) != 2 {
			s.logger.Debug("stub got malformed relay request", "error", err, "parts", len(req))
			continue
		}
		parts, err := s.Handle(req[1])
		if err != nil {
			return err
		}
		data, err := simctl.EncodeMessage(append([][]byte{req[0]}, parts...))
		if err != nil {
			return err
		}
		if err := client.Do(ctx, client.B().Rpush().Key(repKey).Element(string(data)).Build()).Error(); err != nil {
			return err
		}
	}
}
