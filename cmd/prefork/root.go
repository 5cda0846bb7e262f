package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/prefork/internal/config"
	"github.com/dreamware/prefork/internal/coordinator"
	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
)

// workerCmdName is the hidden subcommand a process-isolated worker runs.
const workerCmdName = "worker"

// getExecutable locates the binary re-executed for process workers.
// Overridden in tests.
var getExecutable = os.Executable

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "prefork",
		Short: "Run a pool of HTTP workers sharing one listening address",
		Long: `Run a coordinator that spawns a fixed pool of HTTP workers sharing one
listening address. Every request gets a fixed response; workers report each
request to the coordinator, which prints the running total every interval:

  numReqs = N

Workers that exit are not replaced.

Examples:
  prefork                                  # one worker per CPU on :8000
  prefork --workers 4 --distribution shared
  prefork --isolation goroutine --status_addr 127.0.0.1:9000
  PREFORK_WORKERS=2 prefork --config prefork.yaml`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, cmd, cfg)
		},
	}
	root.SetContext(context.Background())

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	if err := config.BindFlags(v, root.Flags()); err != nil {
		panic(err)
	}

	root.AddCommand(
		newWorkerCmd(),
		newStatusCmd(),
		newStopCmd(),
		newConfigCmd(&cfgFile),
	)
	return root
}

// runCoordinator builds the pool described by cfg and runs it until ctx is
// cancelled or the status API asks it to stop.
func runCoordinator(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
	level, _ := log.ParseLevel(cfg.LogLevel)
	cleanup, err := log.Init(cfg.LogFile, "", level, log.DefaultBufferSize)
	if err != nil {
		return err
	}
	defer cleanup()

	dist, err := distributor.New(cfg.Mode(), cfg.Addr, distributor.Options{})
	if err != nil {
		return err
	}
	spawner, err := newSpawner(cfg)
	if err != nil {
		return err
	}

	c, err := coordinator.New(coordinator.Options{
		Workers:        cfg.WorkerCount(),
		ReportInterval: cfg.ReportInterval,
		Distributor:    dist,
		Spawner:        spawner,
		Out:            cmd.OutOrStdout(),
		StatusAddr:     cfg.StatusAddr,
	})
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func newSpawner(cfg config.Config) (coordinator.Spawner, error) {
	switch config.Isolation(cfg.Isolation) {
	case config.IsolationGoroutine:
		return &coordinator.InProcessSpawner{Response: cfg.Response}, nil
	case config.IsolationProcess:
		exe, err := getExecutable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		return &coordinator.ProcessSpawner{
			Executable: exe,
			Args:       []string{workerCmdName},
			Mode:       cfg.Mode(),
			Addr:       cfg.Addr,
			Response:   cfg.Response,
			LogLevel:   cfg.LogLevel,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown isolation %q", config.ErrInvalid, cfg.Isolation)
	}
}

// bindViper is a helper for subcommands that only need a couple of keys.
func bindViper(v *viper.Viper, cmd *cobra.Command, keys ...string) error {
	for _, k := range keys {
		if err := v.BindPFlag(k, cmd.Flags().Lookup(k)); err != nil {
			return fmt.Errorf("bind flag %s: %w", k, err)
		}
	}
	return nil
}
