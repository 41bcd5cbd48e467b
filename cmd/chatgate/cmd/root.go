package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/chatgate/internal/config"
)

var (
	configFile string
	debug      bool

	// cfg is loaded by the root PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Chat gateway in front of an asynchronous AI backend",
	Long: `chatgate serves conversational chat over HTTP and websockets, relays
messages to a polling AI backend and answers locally when the backend is down.

Usage:
  chatgate serve               # Run the gateway
  chatgate chat                # Interactive client
  chatgate keys generate NAME  # Create an API key`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.SetLevel(cfg.Log.ParsedLevel())
		if debug {
			log.SetLevel(log.DebugLevel)
			log.SetReportCaller(true)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
