// Command echo runs an Echo service over the duplex and HTTP/2 transports
// and calls it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	config  string
	verbose bool
}

var (
	flags globalFlags
	log   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "echo",
	Short: "Echo service over the rpc channel transports",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if flags.verbose {
			cfg = zap.NewDevelopmentConfig()
		}
		var err error
		log, err = cfg.Build()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "YAML channel options file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
