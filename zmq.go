package simctl

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zeromq/zmq4"
)

// ZMQTransport is a REQ socket. The REQ/REP pattern already enforces strict
// send/receive alternation and delivers replies as multipart messages.
type ZMQTransport struct {
	sock      zmq4.Socket
	endpoint  string
	bound     bool
	mu        sync.RWMutex
	connected bool
	once      sync.Once
	options   Options
}

// Endpoint formats a TCP endpoint for host and port.
func Endpoint(host string, port int) string {
	if host == "" {
		host = "localhost"
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// DialZMQ connects a REQ socket to a simulator listening on endpoint. It
// gives up once the startup timeout or ctx expires.
func DialZMQ(ctx context.Context, endpoint string, opts ...Option) (*ZMQTransport, error) {
	return openZMQ(ctx, endpoint, false, opts)
}

// ListenZMQ binds a REQ socket on endpoint for a simulator that connects to
// the client instead. Until the simulator connects, Send waits for it for up
// to the startup timeout.
func ListenZMQ(ctx context.Context, endpoint string, opts ...Option) (*ZMQTransport, error) {
	return openZMQ(ctx, endpoint, true, opts)
}

func openZMQ(ctx context.Context, endpoint string, bind bool, opts []Option) (*ZMQTransport, error) {
	options := buildOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, options.StartupTimeout)
	defer cancel()

	sock := zmq4.NewReq(context.Background(),
		zmq4.WithDialerTimeout(options.StartupTimeout),
		zmq4.WithDialerRetry(options.StartupTimeout/10),
	)

	done := make(chan error, 1)
	go func() {
		if bind {
			done <- sock.Listen(endpoint)
			return
		}
		done <- sock.Dial(endpoint)
	}()

	select {
	case err := <-done:
		if err != nil {
			sock.Close()
			return nil, &ConnectionError{Address: endpoint, Err: err}
		}
	case <-ctx.Done():
		sock.Close()
		return nil, &ConnectionError{Address: endpoint, Err: ctx.Err()}
	}

	if a := sock.Addr(); bind && a != nil {
		endpoint = "tcp://" + a.String()
	}
	options.Logger.Debug("zmq socket ready", "endpoint", endpoint, "bind", bind)
	return &ZMQTransport{
		sock:      sock,
		endpoint:  endpoint,
		bound:     bind,
		connected: true,
		options:   options,
	}, nil
}

// Send sends msg as a single-part message.
func (z *ZMQTransport) Send(ctx context.Context, msg []byte) error {
	if !z.IsConnected() {
		return ErrTransportNotConnected
	}
	_, err := z.await(ctx, func() (zmq4.Msg, error) {
		if z.bound {
			return zmq4.Msg{}, z.sendToPeer(ctx, zmq4.NewMsg(msg))
		}
		return zmq4.Msg{}, z.sock.Send(zmq4.NewMsg(msg))
	})
	return err
}

// sendToPeer retries while a bound socket has no peer yet.
func (z *ZMQTransport) sendToPeer(ctx context.Context, msg zmq4.Msg) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = z.options.StartupTimeout

	return backoff.Retry(func() error {
		err := z.sock.Send(msg)
		// zmq4 has no sentinel for an empty peer set
		if err != nil && z.IsConnected() && strings.Contains(err.Error(), "no connections available") {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// Endpoint returns the endpoint the socket dialled or bound. For a bound
// socket it carries the resolved port.
func (z *ZMQTransport) Endpoint() string { return z.endpoint }

// Receive blocks for the multipart reply.
func (z *ZMQTransport) Receive(ctx context.Context) ([][]byte, error) {
	if !z.IsConnected() {
		return nil, ErrTransportNotConnected
	}
	msg, err := z.await(ctx, z.sock.Recv)
	if err != nil {
		return nil, err
	}
	if err := msg.Err(); err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

type zmqResult struct {
	msg zmq4.Msg
	err error
}

// await runs op and closes the socket if ctx ends first, so the blocked
// call returns and its goroutine exits.
func (z *ZMQTransport) await(ctx context.Context, op func() (zmq4.Msg, error)) (zmq4.Msg, error) {
	done := make(chan zmqResult, 1)
	go func() {
		msg, err := op()
		done <- zmqResult{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		return res.msg, res.err
	case <-ctx.Done():
		z.Close()
		return zmq4.Msg{}, fmt.Errorf("%s: %w", z.endpoint, ctx.Err())
	}
}

// Close closes the socket.
func (z *ZMQTransport) Close() error {
	var err error
	z.once.Do(func() {
		z.mu.Lock()
		z.connected = false
		z.mu.Unlock()
		err = z.sock.Close()
	})
	return err
}

// IsConnected returns true until Close is called.
func (z *ZMQTransport) IsConnected() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.connected
}
