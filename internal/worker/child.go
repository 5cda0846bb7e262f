package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dreamware/prefork/internal/channel"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
)

// ChildOptions describes a worker running as a child process of its
// coordinator.
type ChildOptions struct {
	ID       string
	Response string
	Mode     distributor.Mode
	Addr     string
	// NotifyFD is the inherited write end of the notification pipe.
	NotifyFD int
	// EndpointFD is the inherited endpoint, or 0 when the mode builds its
	// own listener from Addr.
	EndpointFD int
}

// RunChild serves as a child-process worker until ctx is cancelled. It
// rebuilds the listener from the inherited descriptors and reports every
// request over the notification pipe.
func RunChild(ctx context.Context, opts ChildOptions) error {
	if opts.NotifyFD <= 2 {
		return fmt.Errorf("invalid notify fd %d", opts.NotifyFD)
	}
	notify := os.NewFile(uintptr(opts.NotifyFD), "notify")
	if notify == nil {
		return errors.New("notify fd is not open")
	}
	defer notify.Close()

	var epFile *os.File
	if opts.EndpointFD > 0 {
		if epFile = os.NewFile(uintptr(opts.EndpointFD), "endpoint"); epFile == nil {
			return errors.New("endpoint fd is not open")
		}
	}

	ln, err := distributor.Inherit(opts.Mode, opts.Addr, epFile)
	if err != nil {
		return fmt.Errorf("worker %s: %w", opts.ID, err)
	}

	w, err := New(Config{
		ID:       opts.ID,
		Response: opts.Response,
		Notifier: channel.NewStreamSender(notify),
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	err = w.Serve(ctx, ln)
	log.Info(log.CatWorker, "worker exiting", "worker", opts.ID, "handled", w.Handled())
	return err
}
