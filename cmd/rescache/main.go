// Command rescache drives the resource cache: a synthetic load benchmark
// with Prometheus/pprof endpoints, and a live-update demo.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/rescache/internal/config"
	"github.com/IvanBrykalov/rescache/internal/logging"
)

// app carries what every subcommand needs once the root has initialised.
type app struct {
	cfg config.Config
	log *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "rescache",
		Short: "Exercise the asynchronous resource cache",
		Long: `rescache runs workloads against the resource cache.
Settings come from RESCACHE_* environment variables (and .env); flags override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			opts := append(cfg.LoggingOptions(), logging.WithOutput(cmd.ErrOrStderr()))
			a.log = logging.New(opts...)
			return nil
		},
	}
	root.AddCommand(newBenchCmd(a), newStreamCmd(a))
	return root
}
