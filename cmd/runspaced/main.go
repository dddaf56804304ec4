// Command runspaced serves a YAML route table of scripts through a pool of
// reusable interpreters.
package main

import (
	"fmt"
	"os"

	"github.com/cryguy/runspace"
	"github.com/cryguy/runspace/internal/config"
	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "runspaced",
		Short:         "Serve scripted HTTP routes on pooled interpreters",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./runspaced.yaml)")

	root.AddCommand(
		newServeCommand(&configPath),
		newValidateCommand(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "runspaced %s (%s, %s)\n", version, commit, runspace.JSBackend())
			},
		},
	)
	return root
}

func newValidateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config and route table without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			routes, err := config.LoadRoutes(cfg.RoutesFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d routes, %d functions, %d libraries OK\n",
				len(routes.Routes), len(routes.Functions), len(routes.Libraries))
			return nil
		},
	}
	cmd.Flags().String("routes", "", "route table file")
	return cmd
}
