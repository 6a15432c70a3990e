// Guided tutor session server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/shsh-tutor/internal/config"
	"github.com/ashureev/shsh-tutor/internal/templates"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Guided tutor session server",
	Long: `Runs the tutoring session engine: sessions, turns, validation and
persistence behind an HTTP, SSE and WebSocket API.

Run without arguments to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

		if err := godotenv.Load(); err != nil {
			slog.Info("No .env file found, using environment variables")
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var checkTemplatesCmd = &cobra.Command{
	Use:   "check-templates [dir]",
	Short: "Load and validate a template directory",
	Long: `Loads prompt layers, instructor profiles, lessons, fallbacks and policy
from dir (default: TEMPLATES_DIR, or the embedded defaults) and exits non-zero
on the first error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckTemplates,
}

var serveGenerationCmd = &cobra.Command{
	Use:   "serve-generation",
	Short: "Expose the configured generation backend over gRPC",
	Args:  cobra.NoArgs,
	RunE:  runServeGeneration,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, checkTemplatesCmd, serveGenerationCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadTemplates(dir string) (*templates.Set, error) {
	if dir == "" {
		return templates.Default()
	}
	return templates.LoadDir(dir)
}

func runCheckTemplates(cmd *cobra.Command, args []string) error {
	dir := os.Getenv("TEMPLATES_DIR")
	if len(args) == 1 {
		dir = args[0]
	}

	set, err := loadTemplates(dir)
	if err != nil {
		return fmt.Errorf("templates invalid: %w", err)
	}

	source := dir
	if source == "" {
		source = "embedded defaults"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%d profiles, %d lessons)\n", source, len(set.ProfileIDs()), len(set.LessonIDs()))
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
