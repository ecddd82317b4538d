package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tractjoin",
	Short: "Census tract to ZIP code population aggregation",
	Long:  "Assigns census tract populations to ZIP Code Tabulation Areas by centroid, with sequential, static-parallel and work-stealing engines and a benchmark harness comparing them.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
