// Package worker serves the shared endpoint inside one worker.
//
// A Worker answers every request with the same fixed body, closes the
// connection, and then tells its coordinator about the request through a
// fire-and-forget channel. A request whose response could not be written is
// not reported. Connection-level failures are logged here and go no further.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/log"
)

// DefaultResponse is the body every request receives.
const DefaultResponse = "hello world\n"

// Config describes one worker.
type Config struct {
	// Notifier receives one notification per handled request. Required.
	Notifier channel.Sender
	// ID identifies the worker to the coordinator. Required.
	ID string
	// Response is the fixed body. Defaults to DefaultResponse.
	Response string
	// PID is reported in notifications. Defaults to os.Getpid().
	PID int
	// ReadTimeout bounds how long a client may take to send its request.
	ReadTimeout time.Duration
}

// Worker answers connections with a fixed response.
type Worker struct {
	notifier channel.Sender
	id       string
	response []byte
	pid      int
	handled  atomic.Uint64
	server   *fasthttp.Server
}

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("worker notifier is required")
	}
	if cfg.Response == "" {
		cfg.Response = DefaultResponse
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}

	w := &Worker{
		notifier: cfg.Notifier,
		id:       cfg.ID,
		response: []byte(cfg.Response),
		pid:      cfg.PID,
	}
	w.server = &fasthttp.Server{
		Handler:               w.handle,
		Name:                  "prefork",
		ReadTimeout:           cfg.ReadTimeout,
		NoDefaultServerHeader: true,
		NoDefaultDate:         true,
		Logger:                fasthttpLogger{id: cfg.ID},
		ConnState:             w.connState,
	}
	return w, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Handled returns how many requests this worker has answered.
func (w *Worker) Handled() uint64 { return w.handled.Load() }

// Serve accepts on ln until ctx is cancelled or ln fails. Cancellation
// closes the listener immediately; in-flight connections are not drained.
// It announces the worker with an online notification before accepting.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	w.notifier.Send(channel.Notification{Cmd: channel.CmdOnline, Worker: w.id, PID: w.pid})
	log.Info(log.CatWorker, "worker started", "worker", w.id, "pid", w.pid, "addr", ln.Addr().String())

	err := w.server.Serve(trackedListener{ln})
	if ctx.Err() != nil || err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("worker %s serve: %w", w.id, err)
}

func (w *Worker) handle(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBody(w.response)
	ctx.SetConnectionClose()

	if tc, ok := ctx.Conn().(*trackedConn); ok {
		tc.served++
		return
	}
	w.notifyRequest()
}

// connState reports the requests served on a connection once fasthttp has
// flushed the responses and closed it.
func (w *Worker) connState(c net.Conn, state fasthttp.ConnState) {
	if state != fasthttp.StateClosed {
		return
	}
	tc, ok := c.(*trackedConn)
	if !ok || tc.served == 0 {
		return
	}
	if tc.writeErr != nil {
		log.Debug(log.CatWorker, "response not delivered", "worker", w.id, "error", tc.writeErr)
		return
	}
	for ; tc.served > 0; tc.served-- {
		w.notifyRequest()
	}
}

func (w *Worker) notifyRequest() {
	w.handled.Add(1)
	w.notifier.Send(channel.Notification{Cmd: channel.CmdNotifyRequest, Worker: w.id, PID: w.pid})
}

// trackedListener hands fasthttp connections that remember what happened
// on them.
type trackedListener struct {
	net.Listener
}

func (l trackedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &trackedConn{Conn: c}, nil
}

// trackedConn is only touched by the goroutine serving it.
type trackedConn struct {
	net.Conn
	served   int
	writeErr error
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil && c.writeErr == nil {
		c.writeErr = err
	}
	return n, err
}

// fasthttpLogger routes connection-level errors into the worker's log.
type fasthttpLogger struct {
	id string
}

func (l fasthttpLogger) Printf(format string, args ...any) {
	log.Debug(log.CatWorker, fmt.Sprintf(format, args...), "worker", l.id)
}
