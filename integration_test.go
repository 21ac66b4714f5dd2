package simctl_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/TheAlpha16/simctl-go"
	"github.com/TheAlpha16/simctl-go/stub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportKind string

const (
	kindZMQ       transportKind = "zmq"
	kindZMQBind   transportKind = "zmq-bind"
	kindStream    transportKind = "stream"
	kindWebSocket transportKind = "ws"
)

var transportKinds = []transportKind{kindZMQ, kindZMQBind, kindStream, kindWebSocket}

// openSession starts a stub answering with r and returns a session dialled
// to it over the given transport.
func openSession(t *testing.T, kind transportKind, r stub.Replier, opts ...simctl.Option) (*simctl.Session, *stub.Server) {
	t.Helper()
	srv := stub.NewServer(r)
	ctx := context.Background()
	opts = append([]simctl.Option{simctl.WithStartupTimeout(5 * time.Second)}, opts...)

	var transport simctl.Transport
	switch kind {
	case kindZMQ:
		l, err := srv.ListenZMQ("tcp://127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		transport, err = simctl.DialZMQ(ctx, l.Addr(), opts...)
		require.NoError(t, err)
	case kindZMQBind:
		zt, err := simctl.ListenZMQ(ctx, "tcp://127.0.0.1:0", opts...)
		require.NoError(t, err)
		require.NotContains(t, zt.Endpoint(), ":0")
		transport = zt
		l, err := srv.ConnectZMQ(zt.Endpoint())
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
	case kindStream:
		l, err := srv.ListenStream("127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		transport, err = simctl.DialStream(ctx, l.Addr(), opts...)
		require.NoError(t, err)
	case kindWebSocket:
		ts := httptest.NewServer(srv.WebSocketHandler())
		t.Cleanup(ts.Close)
		var err error
		transport, err = simctl.DialWebSocket(ctx, stub.WebSocketURL(ts.URL), opts...)
		require.NoError(t, err)
	default:
		t.Fatalf("unknown transport %q", kind)
	}

	s := simctl.NewSession(transport, opts...)
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func TestExchangeReturnsDataFramesThenSentinel(t *testing.T) {
	for _, kind := range transportKinds {
		t.Run(string(kind), func(t *testing.T) {
			s, _ := openSession(t, kind, stub.StaticReplier(
				simctl.NewFrame(simctl.MustTag("tran"), []byte{1, 2, 3}),
				simctl.NewFrame(simctl.MustTag("coll"), nil),
			))

			resp, err := s.Communicate(context.Background(), simctl.Batch{{Name: "do_nothing"}})
			require.NoError(t, err)
			require.Equal(t, 3, resp.Len())
			assert.True(t, simctl.IsSentinel(resp.Frames[2]))
			assert.Equal(t, uint32(1), resp.Step())

			tags, err := resp.Tags()
			require.NoError(t, err)
			assert.Equal(t, []simctl.Tag{simctl.MustTag("tran"), simctl.MustTag("coll")}, tags)
		})
	}
}

func TestEchoPreservesCommandOrder(t *testing.T) {
	for _, kind := range transportKinds {
		t.Run(string(kind), func(t *testing.T) {
			s, srv := openSession(t, kind, stub.EchoReplier)

			batch := simctl.Batch{
				simctl.NewCommand("load_scene", "scene_name", "box_room"),
				simctl.NewCommand("add_object", "id", 4, "name", "chair", "url", "file:///chair"),
				simctl.NewCommand("step_physics", "frames", 3),
			}
			resp, err := s.Communicate(context.Background(), batch)
			require.NoError(t, err)
			require.Len(t, resp.Data(), len(batch))

			for i, frame := range resp.Data() {
				tag, err := simctl.PeekTag(frame)
				require.NoError(t, err)
				assert.Equal(t, stub.EchoTag, tag)

				want, err := json.Marshal(batch[i])
				require.NoError(t, err)
				assert.JSONEq(t, string(want), string(frame[simctl.DefaultTagOffset+simctl.TagWidth:]))
			}

			reqs := srv.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, batch.Names(), reqs[0].Names())
		})
	}
}

func TestEmptyBatchAdvancesOneStep(t *testing.T) {
	for _, kind := range transportKinds {
		t.Run(string(kind), func(t *testing.T) {
			s, srv := openSession(t, kind, stub.EchoReplier)

			for i := 1; i <= 10; i++ {
				resp, err := s.Communicate(context.Background(), nil)
				require.NoError(t, err)
				assert.Equal(t, 1, resp.Len())
				assert.Equal(t, uint32(i), resp.Step())
			}
			assert.Equal(t, uint32(10), srv.Step())
			assert.Equal(t, uint64(10), s.Steps())
		})
	}
}

func TestDroppedConnectionBreaksSession(t *testing.T) {
	for _, kind := range transportKinds {
		t.Run(string(kind), func(t *testing.T) {
			s, _ := openSession(t, kind, stub.DropAfter(1, stub.EchoReplier),
				simctl.WithReceiveTimeout(2*time.Second))

			_, err := s.Communicate(context.Background(), nil)
			require.NoError(t, err)

			_, err = s.Communicate(context.Background(), nil)
			var te *simctl.TransportError
			require.ErrorAs(t, err, &te)

			_, err = s.Communicate(context.Background(), nil)
			require.ErrorAs(t, err, &te)
			assert.ErrorIs(t, err, simctl.ErrSessionBroken)
		})
	}
}

func TestSlowReplyTimesOut(t *testing.T) {
	for _, kind := range transportKinds {
		t.Run(string(kind), func(t *testing.T) {
			s, _ := openSession(t, kind, stub.Delay(500*time.Millisecond, stub.EchoReplier),
				simctl.WithReceiveTimeout(50*time.Millisecond))

			start := time.Now()
			_, err := s.Communicate(context.Background(), nil)
			var te *simctl.TransportError
			require.ErrorAs(t, err, &te)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 400*time.Millisecond)
		})
	}
}

func TestCallerCancellation(t *testing.T) {
	s, _ := openSession(t, kindStream, stub.Delay(500*time.Millisecond, stub.EchoReplier))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := s.Communicate(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectWithHandshake(t *testing.T) {
	srv := stub.NewServer(stub.EchoReplier)
	l, err := srv.ListenZMQ("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(l.Addr(), "tcp://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s, err := simctl.Connect(context.Background(), host, port,
		simctl.WithStartupTimeout(5*time.Second),
		simctl.WithHandshake(simctl.Command{Name: "send_version"}),
	)
	require.NoError(t, err)
	defer s.Close()

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []simctl.CommandName{"send_version"}, reqs[0].Names())

	resp, err := s.Communicate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Step())
}

func TestUnreachableSimulator(t *testing.T) {
	// Grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx := context.Background()
	opts := []simctl.Option{simctl.WithStartupTimeout(300 * time.Millisecond)}

	t.Run("stream", func(t *testing.T) {
		start := time.Now()
		_, err := simctl.DialStream(ctx, addr, opts...)
		var ce *simctl.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, addr, ce.Address)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("websocket", func(t *testing.T) {
		_, err := simctl.DialWebSocket(ctx, "ws://"+addr+"/", opts...)
		var ce *simctl.ConnectionError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("valkey", func(t *testing.T) {
		_, err := simctl.DialValkey(ctx, addr, "sim", opts...)
		var ce *simctl.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, addr, ce.Address)
	})

	t.Run("zmq", func(t *testing.T) {
		host, portStr, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		// Dial succeeds lazily or fails; the handshake must not hang
		s, err := simctl.Connect(ctx, host, port, append(opts, simctl.WithHandshake())...)
		if err == nil {
			s.Close()
			t.Fatal("expected a connection error")
		}
		var ce *simctl.ConnectionError
		assert.ErrorAs(t, err, &ce)
	})
}
