// Package launcher starts a simulator build as a child process and reports
// on its health. Deciding when to relaunch is left to the caller.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrNotRunning = errors.New("process not running")
	ErrNoPath     = errors.New("no executable path")
)

// Config describes how to start a build.
type Config struct {
	Path string
	// Host and Port are where the build will listen; Port is passed as
	// -port=<n> after Args.
	Host string
	Port int
	Args []string
	Env  []string
	Dir  string

	// Stdout and Stderr default to the parent's.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Process is a running build.
type Process struct {
	cmd    *exec.Cmd
	proc   *process.Process
	addr   string
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func (c Config) args() []string {
	args := append([]string(nil), c.Args...)
	if c.Port > 0 {
		args = append(args, "-port="+strconv.Itoa(c.Port))
	}
	return args
}

// Launch starts the build. The process is killed if ctx is cancelled. It
// does not wait for the build to accept connections; use Ready or a
// session's startup timeout for that.
func Launch(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	cmd := exec.CommandContext(ctx, cfg.Path, cfg.args()...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if cfg.Stdout != nil {
		cmd.Stdout = cfg.Stdout
	}
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", cfg.Path, err)
	}

	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("inspect %s: %w", cfg.Path, err)
	}

	p := &Process{
		cmd:    cmd,
		proc:   proc,
		addr:   net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	go p.Wait()
	p.logger.Info("build launched", "path", cfg.Path, "addr", p.addr)
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Addr returns the host:port the build was told to listen on.
func (p *Process) Addr() string { return p.addr }

// Alive reports whether the process exists and is not a zombie.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	running, err := p.proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := p.proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.logger.Info("build exited", "error", p.waitErr)
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stop asks the process to terminate and kills it if it is still running
// when ctx ends.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("build did not stop, killing")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return nil
	}
}

// Ready dials the build's port until it accepts or ctx ends.
func (p *Process) Ready(ctx context.Context) error {
	check := healthcheck.TCPDialCheck(p.addr, 250*time.Millisecond)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if !p.Alive() {
			return ErrNotRunning
		}
		if err := check(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// HealthHandler serves /live (the process is running) and /ready (its port
// accepts TCP connections).
func (p *Process) HealthHandler() http.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("process", func() error {
		if !p.Alive() {
			return ErrNotRunning
		}
		return nil
	})
	h.AddReadinessCheck("port", healthcheck.TCPDialCheck(p.addr, time.Second))
	return h
}
