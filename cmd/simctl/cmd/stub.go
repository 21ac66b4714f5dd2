package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TheAlpha16/simctl-go"
	"github.com/TheAlpha16/simctl-go/stub"
	"github.com/spf13/cobra"
)

var stubFlags struct {
	listen string
	delay  time.Duration
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run a stub simulator that echoes every command back as a frame.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var replier stub.Replier = stub.EchoReplier
		if stubFlags.delay > 0 {
			replier = stub.Delay(stubFlags.delay, replier)
		}
		srv := stub.NewServer(replier, stub.WithLogger(logger))

		ctx := cmd.Context()
		listen := stubFlags.listen
		if listen == "" {
			listen = net.JoinHostPort("127.0.0.1", strconv.Itoa(global.port))
		}

		switch global.transport {
		case "zmq":
			l, err := srv.ListenZMQ("tcp://" + listen)
			if err != nil {
				return err
			}
			defer l.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "listening on", l.Addr())
		case "stream":
			l, err := srv.ListenStream(listen)
			if err != nil {
				return err
			}
			defer l.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "listening on", l.Addr())
		case "ws":
			hs := &http.Server{Addr: listen, Handler: srv.WebSocketHandler()}
			go func() {
				if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("stub websocket server failed", "error", err)
				}
			}()
			defer hs.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "listening on ws://"+listen+"/")
		case "valkey":
			addr := global.address
			if !strings.Contains(addr, ":") {
				addr += ":6379"
			}
			client, err := simctl.NewValkeyClient(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "relaying on", simctl.RequestKey(global.channel))
			if err := srv.ServeValkey(ctx, client, global.channel); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		default:
			return fmt.Errorf("unknown transport %q", global.transport)
		}

		<-ctx.Done()
		fmt.Fprintf(cmd.OutOrStdout(), "served %d steps\n", srv.Step())
		return nil
	},
}

func init() {
	stubCmd.Flags().StringVar(&stubFlags.listen, "listen", "", "host:port to listen on (default 127.0.0.1:<port>)")
	stubCmd.Flags().DurationVar(&stubFlags.delay, "delay", 0, "wait this long before each reply")
	rootCmd.AddCommand(stubCmd)
}
