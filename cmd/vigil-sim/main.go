// vigil-sim replays scripted agent conversations over the dashboard wire
// protocol, so the terminal client can be developed and demoed without a
// running agent backend.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/logging"
	"vigil/internal/sim"
)

func main() {
	var (
		addr         string
		scenarioPath string
		debug        bool
	)

	rootCmd := &cobra.Command{
		Use:   "vigil-sim",
		Short: "Scenario replay server for the vigil client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			if debug {
				level = "debug"
			}
			logging.Configure(os.Stderr, level, "text")
			logger := logging.NewComponentLogger("sim")

			scenario := sim.DefaultScenario()
			if scenarioPath != "" {
				var err error
				scenario, err = sim.LoadScenario(scenarioPath)
				if err != nil {
					return err
				}
				logger.Info("loaded scenario %s (%d turns)", scenarioPath, len(scenario.Turns))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sim.NewServer(scenario, logger).Run(ctx, addr)
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", ":8600", "listen address")
	rootCmd.Flags().StringVar(&scenarioPath, "scenario", "", "scenario yaml file (built-in when empty)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
