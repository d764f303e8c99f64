// commitrelay watches local git repositories and relays new commits to a
// collection service.
//
//	commitrelay run            Run the relay daemon in the foreground
//	commitrelay status         Show connection, queue and watcher state
//	commitrelay queue list     List payloads waiting for redelivery
//	commitrelay queue drain    Redeliver queued payloads now
//	commitrelay queue purge    Discard queued payloads
//	commitrelay journal        Show recent delivery outcomes
//	commitrelay config init    Write a default configuration file
//	commitrelay version        Show version information
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	address    string
	noColor    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "commitrelay",
		Short: "Relay local git commits to a collection service",
		Long: `commitrelay watches the repositories listed in its configuration and
pushes every new commit to the collection service. Payloads that cannot be
delivered are kept in a durable queue and retried once the service is back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&opts.address, "address", "", "status API address (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newQueueCommand(opts))
	rootCmd.AddCommand(newJournalCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "commitrelay %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}
