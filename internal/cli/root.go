// Package cli provides the command-line interface for the broker integration.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"neo-trader/internal/config"
	"neo-trader/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-01-06"
)

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// before any subcommand runs, from --config or the default directory.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "neo-trader",
		Short: "Kotak Neo trading gateway",
		Long: `neo-trader logs in to Kotak Neo, resolves instruments from the scrip
master, places and tracks orders, and relays live quotes to WebSocket clients.

Run 'neo-trader serve' for the HTTP/WebSocket API, or use the subcommands
directly from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(cfg.Log)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/neo-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(app))
	addAuthCommands(rootCmd, app)
	rootCmd.AddCommand(newScripCmd(app))
	rootCmd.AddCommand(newOrderCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("neo-trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}
