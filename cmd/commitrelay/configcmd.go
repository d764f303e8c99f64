package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"commitrelay/internal/config"
)

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check the configuration file",
	}

	cmd.AddCommand(newConfigInitCommand(opts))
	cmd.AddCommand(newConfigValidateCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath(opts))
		},
	})
	return cmd
}

func configPath(opts *options) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return config.ConfigPath()
}

func newConfigInitCommand(opts *options) *cobra.Command {
	var (
		force    bool
		projects []string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(opts)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			for _, p := range projects {
				cfg.Projects = append(cfg.Projects, config.ProjectConfig{Path: p})
			}
			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().StringSliceVarP(&projects, "project", "p", nil, "repository path to watch (repeatable)")
	return cmd
}

func newConfigValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return reportValidation(cmd.OutOrStdout(), cfg, configPath(opts))
		},
	}
}

// reportValidation prints warnings and errors and fails on errors.
func reportValidation(out io.Writer, cfg *config.Config, path string) error {
	for _, w := range config.Warnings(cfg) {
		color.New(color.FgYellow).Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
	}

	err := cfg.Validate()
	if err == nil {
		color.New(color.FgGreen).Fprintf(out, "%s is valid (%d project(s))\n", path, len(cfg.Projects))
		return nil
	}

	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			color.New(color.FgRed).Fprintf(out, "error: %s: %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("%d configuration error(s)", len(verrs))
	}
	return err
}
