package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/prefork/internal/cluster"
	"github.com/dreamware/prefork/internal/config"
)

const (
	keyCoordinator     = "coordinator"
	defaultCoordinator = "http://127.0.0.1:9000"
	clientTimeout      = 5 * time.Second
)

// newClientViper resolves --coordinator, falling back to PREFORK_COORDINATOR.
func newClientViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	cmd.Flags().String(keyCoordinator, defaultCoordinator, "status API base URL of a running coordinator")
	if err := bindViper(v, cmd, keyCoordinator); err != nil {
		return nil, err
	}
	return v, nil
}

func baseURL(v *viper.Viper) string {
	u := strings.TrimRight(v.GetString(keyCoordinator), "/")
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}

func newStatusCmd() *cobra.Command {
	var v *viper.Viper
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workers and request count of a running coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			base := baseURL(v)

			var stats cluster.StatsResponse
			if err := cluster.GetJSON(ctx, base+"/stats", &stats); err != nil {
				return fmt.Errorf("query coordinator: %w", err)
			}
			var workers cluster.WorkersResponse
			if err := cluster.GetJSON(ctx, base+"/workers", &workers); err != nil {
				return fmt.Errorf("query coordinator: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:          %s\n", stats.RunID)
			fmt.Fprintf(out, "distribution: %s\n", stats.Distribution)
			fmt.Fprintf(out, "numReqs:      %d\n", stats.Requests)
			fmt.Fprintf(out, "workers:      %d\n\n", stats.Workers)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPID\tSTATE\tUPTIME")
			for _, w := range workers.Workers {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", w.ID, w.PID, w.State, time.Since(w.StartedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	var err error
	if v, err = newClientViper(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func newStopCmd() *cobra.Command {
	var v *viper.Viper
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running coordinator to stop its workers and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			if err := cluster.PostJSON(ctx, baseURL(v)+"/shutdown", struct{}{}, nil); err != nil {
				return fmt.Errorf("stop coordinator: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
	var err error
	if v, err = newClientViper(cmd); err != nil {
		panic(err)
	}
	return cmd
}
