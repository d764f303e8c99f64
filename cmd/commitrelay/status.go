package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection, queue and watcher state of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			api, err := newAPIClient(cfg.Status.Address)
			if err != nil {
				return err
			}

			s, err := api.status(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			renderStatus(cmd.OutOrStdout(), s, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func newJournalCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent delivery outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			api, err := newAPIClient(cfg.Status.Address)
			if err != nil {
				return err
			}

			resp, err := api.journal(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderJournal(cmd.OutOrStdout(), resp, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
