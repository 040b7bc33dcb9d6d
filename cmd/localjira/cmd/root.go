package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/localjira/localjira/internal/config"
	"github.com/localjira/localjira/internal/jiralog"
)

var (
	// Version info (set by ldflags)
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"

	// Global flags
	cfgFile      string
	verbose      bool
	projectsFile string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "localjira",
	Short: "Personal caching proxy for a Jira tenant",
	Long: `localjira mirrors a slice of a Jira tenant into a local SQLite
cache and serves it over a line-oriented request/reply protocol on
stdin/stdout.

Example:
  localjira serve
  localjira db status
  localjira db backup --output backup.db`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default .localjira.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&projectsFile, "projects-file", "", "standalone YAML file listing additional projects")
}

// loadConfig resolves the Config record from cfgFile (or the default
// search path), merges in --projects-file if given, and raises
// jiralog's level when --verbose was given.
func loadConfig() (*config.Config, error) {
	if verbose {
		jiralog.SetLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if projectsFile != "" {
		if err := config.LoadProjectsFromFile(cfg, projectsFile); err != nil {
			return nil, err
		}
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "using config:", cfgFile)
	}
	return cfg, nil
}
