package stub

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/TheAlpha16/simctl-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valkey-io/valkey-go"
	"github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Server", func() {
	var srv *Server

	BeforeEach(func() {
		srv = NewServer(EchoReplier)
	})

	It("should append a sentinel holding the step", func() {
		parts, err := srv.Handle([]byte(`[]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(1))
		Expect(simctl.IsSentinel(parts[0])).To(BeTrue())

		resp, err := simctl.Split(parts)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Step()).To(Equal(uint32(1)))
		Expect(srv.Step()).To(Equal(uint32(1)))
	})

	It("should echo each command as a tagged frame", func() {
		parts, err := srv.Handle([]byte(`[{"type":"a","x":1},{"type":"b"}]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(3))

		for i, name := range []string{"a", "b"} {
			tag, err := simctl.PeekTag(parts[i])
			Expect(err).NotTo(HaveOccurred())
			Expect(tag).To(Equal(EchoTag))

			var obj map[string]any
			Expect(json.Unmarshal(parts[i][simctl.DefaultTagOffset+simctl.TagWidth:], &obj)).To(Succeed())
			Expect(obj).To(HaveKeyWithValue("type", name))
		}
	})

	It("should record requests in order", func() {
		_, err := srv.Handle([]byte(`[{"type":"first"}]`))
		Expect(err).NotTo(HaveOccurred())
		_, err = srv.Handle([]byte(`[{"type":"second"},{"type":"third"}]`))
		Expect(err).NotTo(HaveOccurred())

		reqs := srv.Requests()
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[0].Names()).To(Equal([]simctl.CommandName{"first"}))
		Expect(reqs[1].Names()).To(Equal([]simctl.CommandName{"second", "third"}))
	})

	It("should reject malformed batches", func() {
		_, err := srv.Handle([]byte(`{"type":"x"}`))
		Expect(err).To(HaveOccurred())
		Expect(srv.Step()).To(BeZero())
	})

	It("should not advance the step on a dropped request", func() {
		srv = NewServer(DropAfter(1, EchoReplier))
		_, err := srv.Handle([]byte(`[]`))
		Expect(err).NotTo(HaveOccurred())

		_, err = srv.Handle([]byte(`[]`))
		Expect(err).To(MatchError(ErrDrop))
		Expect(srv.Step()).To(Equal(uint32(1)))
	})

	It("should answer with static frames", func() {
		frame := simctl.NewFrame(simctl.MustTag("imag"), []byte("png"))
		srv = NewServer(StaticReplier(frame))

		parts, err := srv.Handle([]byte(`[]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(2))
		Expect(parts[0]).To(Equal([]byte(frame)))
	})

	It("should delay replies", func() {
		srv = NewServer(Delay(20*time.Millisecond, EchoReplier))
		start := time.Now()
		_, err := srv.Handle([]byte(`[]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(time.Since(start)).To(BeNumerically(">=", 20*time.Millisecond))
	})
})

var _ = Describe("ListenStream", func() {
	var (
		srv *Server
		l   *Listener
	)

	BeforeEach(func() {
		srv = NewServer(EchoReplier)
		var err error
		l, err = srv.ListenStream("127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(l.Close()).To(Succeed())
		Expect(l.Err()).NotTo(HaveOccurred())
	})

	It("should answer framed requests", func() {
		conn, err := net.Dial("tcp", l.Addr())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		for step := uint32(1); step <= 3; step++ {
			Expect(simctl.WriteMessage(conn, [][]byte{[]byte(`[{"type":"do_nothing"}]`)})).To(Succeed())
			parts, err := simctl.ReadMessage(conn, simctl.Limits{})
			Expect(err).NotTo(HaveOccurred())

			resp, err := simctl.Split(parts)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Data()).To(HaveLen(1))
			Expect(resp.Step()).To(Equal(step))
		}
	})

	It("should close connections that are still open", func() {
		conn, err := net.Dial("tcp", l.Addr())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(simctl.WriteMessage(conn, [][]byte{[]byte(`[]`)})).To(Succeed())
		_, err = simctl.ReadMessage(conn, simctl.Limits{})
		Expect(err).NotTo(HaveOccurred())

		Expect(l.Close()).To(Succeed())
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = simctl.ReadMessage(conn, simctl.Limits{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ListenZMQ", func() {
	It("should serve a REQ client", func() {
		srv := NewServer(EchoReplier)
		l, err := srv.ListenZMQ("tcp://127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()
		Expect(l.Addr()).To(HavePrefix("tcp://127.0.0.1:"))

		ctx := context.Background()
		t, err := simctl.DialZMQ(ctx, l.Addr(), simctl.WithStartupTimeout(5*time.Second))
		Expect(err).NotTo(HaveOccurred())
		defer t.Close()

		Expect(t.Send(ctx, []byte(`[{"type":"terminate"}]`))).To(Succeed())
		parts, err := t.Receive(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(parts).To(HaveLen(2))
		Expect(simctl.IsSentinel(parts[1])).To(BeTrue())
	})
})

var _ = Describe("ConnectZMQ", func() {
	It("should serve a REQ client that binds", func() {
		ctx := context.Background()
		t, err := simctl.ListenZMQ(ctx, "tcp://127.0.0.1:0", simctl.WithStartupTimeout(5*time.Second))
		Expect(err).NotTo(HaveOccurred())
		defer t.Close()

		srv := NewServer(EchoReplier)
		l, err := srv.ConnectZMQ(t.Endpoint())
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		for step := uint32(1); step <= 2; step++ {
			Expect(t.Send(ctx, []byte(`[{"type":"do_nothing"}]`))).To(Succeed())
			parts, err := t.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())

			resp, err := simctl.Split(parts)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Data()).To(HaveLen(1))
			Expect(resp.Step()).To(Equal(step))
		}
	})
})

var _ = Describe("ServeValkey", func() {
	var (
		ctrl   *gomock.Controller
		client *mock.Client
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		client = mock.NewClient(ctrl)
	})

	It("should answer with the request's correlation id", func() {
		req, err := simctl.EncodeMessage([][]byte{[]byte("req1"), []byte("[]")})
		Expect(err).NotTo(HaveOccurred())
		reply, err := simctl.EncodeMessage([][]byte{[]byte("req1"), simctl.NewSentinel(1)})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		gomock.InOrder(
			client.EXPECT().Do(gomock.Any(), gomock.Any()).
				Return(mock.Result(mock.ValkeyNil())),
			// unframed requests are skipped
			client.EXPECT().Do(gomock.Any(), gomock.Any()).
				Return(mock.Result(mock.ValkeyArray(mock.ValkeyString("sim:req"), mock.ValkeyString("[]")))),
			client.EXPECT().Do(gomock.Any(), gomock.Any()).
				Return(mock.Result(mock.ValkeyArray(mock.ValkeyString("sim:req"), mock.ValkeyString(string(req))))),
			client.EXPECT().Do(gomock.Any(), mock.Match("RPUSH", "sim:rep", string(reply))).
				Return(mock.Result(mock.ValkeyInt64(1))),
			client.EXPECT().Do(gomock.Any(), gomock.Any()).
				DoAndReturn(func(context.Context, valkey.Completed) valkey.ValkeyResult {
					cancel()
					return mock.ErrorResult(context.Canceled)
				}),
		)

		srv := NewServer(EchoReplier)
		err = srv.ServeValkey(ctx, client, "sim")
		Expect(err).To(MatchError(context.Canceled))
		Expect(srv.Step()).To(Equal(uint32(1)))
	})
})

var _ = Describe("WebSocketURL", func() {
	It("should swap the scheme", func() {
		Expect(WebSocketURL("http://127.0.0.1:8080")).To(Equal("ws://127.0.0.1:8080"))
		Expect(WebSocketURL("https://example.com/x")).To(Equal("wss://example.com/x"))
	})
})
