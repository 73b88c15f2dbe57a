package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/genbatch/pkg/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile      string
	outputFormat string

	// v carries defaults, GENBATCH_* env binding and the persistent flags
	v = config.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:          "genbatch",
	Short:        "Run batches of generation jobs against a rate-limited API",
	Long:         `genbatch creates, runs and inspects batches of generation configs with bounded concurrency, retries and cooperative cancellation.`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.genbatch/config.yaml)")
	flags.StringVar(&outputFormat, "output", "table", "output format: table or json")
	flags.String("store", "", "store backend: sqlite, postgres or memory")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	v.BindPFlag("store.type", flags.Lookup("store"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("store.path", flags.Lookup("db"))
}

// loadConfig reads the config file, environment and bound flags
func loadConfig() (*config.Config, error) {
	return config.LoadWith(v, cfgFile)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(value interface{}) error {
	output, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(output))
	return nil
}
