package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/TheAlpha16/simctl-go/launcher"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var launchFlags struct {
	healthAddr string
	stopGrace  time.Duration
}

var launchCmd = &cobra.Command{
	Use:   "launch <path> [-- build args...]",
	Short: "Launch a simulator build and serve its health until it exits.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := launcher.Launch(context.Background(), launcher.Config{
			Path:   args[0],
			Host:   global.address,
			Port:   global.port,
			Args:   args[1:],
			Logger: logger,
		})
		if err != nil {
			return err
		}
		atexit.Register(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), launchFlags.stopGrace)
			defer cancel()
			p.Stop(stopCtx)
		})

		if launchFlags.healthAddr != "" {
			hs := &http.Server{Addr: launchFlags.healthAddr, Handler: p.HealthHandler()}
			go func() {
				if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("health server failed", "error", err)
				}
			}()
			atexit.Register(func() { hs.Close() })
		}

		readyCtx, cancel := context.WithTimeout(ctx, global.startupTimeout)
		if err := p.Ready(readyCtx); err != nil {
			logger.Warn("build not ready", "addr", p.Addr(), "error", err)
		} else {
			logger.Info("build ready", "addr", p.Addr())
		}
		cancel()

		code := 0
		select {
		case <-p.Done():
			if p.Wait() != nil {
				code = 1
			}
		case <-ctx.Done():
		}
		atexit.Exit(code)
		return nil
	},
}

func init() {
	launchCmd.Flags().StringVar(&launchFlags.healthAddr, "health-addr", "", "serve /live and /ready on this address")
	launchCmd.Flags().DurationVar(&launchFlags.stopGrace, "stop-grace", 10*time.Second, "time between SIGTERM and SIGKILL on exit")
	rootCmd.AddCommand(launchCmd)
}
