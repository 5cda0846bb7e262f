package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/prefork/internal/config"
)

// newConfigCmd prints the effective configuration as YAML. It accepts the
// same flags as the root command; the output can be saved and passed back
// with --config.
func newConfigCmd(cfgFile *string) *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *cfgFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}
