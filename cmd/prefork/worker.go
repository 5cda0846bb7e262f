package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/prefork/internal/coordinator"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
	"github.com/dreamware/prefork/internal/worker"
)

// newWorkerCmd is the entry point of a process-isolated worker. The
// coordinator starts it with the notification pipe on fd 3 and, for modes
// that need one, its endpoint on fd 4.
func newWorkerCmd() *cobra.Command {
	var (
		opts     worker.ChildOptions
		mode     string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:    workerCmdName,
		Short:  "Serve as a pool worker (started by the coordinator)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := distributor.ParseMode(mode)
			if err != nil {
				return err
			}
			opts.Mode = m

			level, _ := log.ParseLevel(logLevel)
			cleanup, err := log.Init("", opts.ID, level, log.DefaultBufferSize)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return worker.RunChild(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ID, "id", "", "worker id")
	f.StringVar(&mode, "mode", string(distributor.ModeKernel), "distribution mode")
	f.StringVar(&opts.Addr, "addr", "", "shared listening address")
	f.StringVar(&opts.Response, "response", worker.DefaultResponse, "fixed response body")
	f.IntVar(&opts.NotifyFD, "notify-fd", coordinator.NotifyFD, "inherited notification pipe")
	f.IntVar(&opts.EndpointFD, "endpoint-fd", 0, "inherited endpoint descriptor")
	f.StringVar(&logLevel, "log_level", "info", "log level")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
