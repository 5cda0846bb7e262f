package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
)

// Descriptor numbers a worker process finds its inherited files at.
// exec.Cmd places ExtraFiles[i] at fd 3+i.
const (
	NotifyFD   = 3
	EndpointFD = 4
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// ProcessSpawner runs each worker as a child process by re-executing a
// binary, normally the coordinator's own, with worker arguments.
//
// The child inherits:
//   - fd 3: write end of a pipe carrying newline-delimited JSON notifications
//   - fd 4: the distributor endpoint, when the mode needs one
type ProcessSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args come before the worker flags, e.g. []string{"worker"}.
	Args []string
	// Env is appended to the coordinator's environment.
	Env []string
	// Mode and Addr are passed to the child so it can rebuild its listener.
	Mode distributor.Mode
	Addr string
	// Response is the fixed body the child answers with.
	Response string
	// LogLevel is forwarded to the child.
	LogLevel string
	// Stdout and Stderr default to the coordinator's own.
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
}

func (s *ProcessSpawner) Spawn(ctx context.Context, id string, ep distributor.Endpoint) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	epFile, err := ep.File()
	if err != nil {
		return nil, fmt.Errorf("endpoint for %s: %w", id, err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		closeFile(epFile)
		return nil, fmt.Errorf("notification pipe: %w", err)
	}

	args := append([]string{}, s.Args...)
	args = append(args,
		"--id", id,
		"--mode", string(s.Mode),
		"--addr", s.Addr,
		"--response", s.Response,
		"--notify-fd", strconv.Itoa(NotifyFD),
	)
	if s.LogLevel != "" {
		args = append(args, "--log_level", s.LogLevel)
	}
	extra := []*os.File{pw}
	if epFile != nil {
		extra = append(extra, epFile)
		args = append(args, "--endpoint-fd", strconv.Itoa(EndpointFD))
	}

	cmd := exec.Command(exe, args...) //nolint:gosec // G204: re-executing our own binary
	cmd.ExtraFiles = extra
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		closeFile(epFile)
		return nil, fmt.Errorf("start %s: %w", id, err)
	}
	// The child holds its own copies now; keeping ours would stop the pipe
	// from ever reaching EOF.
	_ = pw.Close()
	closeFile(epFile)

	timeout := s.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	p := &childProcess{
		id:          id,
		cmd:         cmd,
		pipe:        pr,
		recv:        channel.NewStreamReceiver(pr),
		done:        make(chan struct{}),
		stopTimeout: timeout,
	}
	go p.wait()
	return p, nil
}

type childProcess struct {
	id          string
	cmd         *exec.Cmd
	pipe        *os.File
	recv        *channel.StreamReceiver
	done        chan struct{}
	stopTimeout time.Duration

	mu  sync.Mutex
	err error
}

func (p *childProcess) wait() {
	err := p.cmd.Wait()
	// The pipe reaches EOF once the child and every descendant that
	// inherited fd 3 are gone; drain it before reporting the exit.
	if rerr := p.recv.Err(); rerr != nil {
		log.ErrorErr(log.CatChannel, "notification pipe failed", rerr, "worker", p.id)
	}
	_ = p.pipe.Close()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *childProcess) PID() int                              { return p.cmd.Process.Pid }
func (p *childProcess) Messages() <-chan channel.Notification { return p.recv.Messages() }
func (p *childProcess) Done() <-chan struct{}                 { return p.done }

func (p *childProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM and escalates to SIGKILL after the stop timeout.
func (p *childProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", p.id, err)
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		log.Warn(log.CatPool, "worker ignored SIGTERM, killing", "worker", p.id, "pid", p.PID())
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill %s: %w", p.id, err)
		}
		<-p.done
		return nil
	}
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

func orDefault(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
