package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"commitrelay/internal/config"
	"commitrelay/internal/journal"
	"commitrelay/internal/lock"
	"commitrelay/internal/logging"
	"commitrelay/internal/queue"
)

func newQueueCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the retry queue",
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueDrainCommand(opts))
	cmd.AddCommand(newQueuePurgeCommand(opts))
	cmd.AddCommand(newQueueRemoveCommand(opts))
	return cmd
}

func newQueueListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List payloads waiting for redelivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			items, err := listQueue(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			renderQueue(cmd.OutOrStdout(), items, time.Now())
			return nil
		},
	}
}

func newQueueDrainCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Ask the running daemon to redeliver queued payloads now",
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

			resp, err := api.drain(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("drain: %s (%d delivered)", resp.Error, resp.Delivered)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Delivered %d queued payload(s)\n", resp.Delivered)
			return nil
		},
	}
}

func newQueuePurgeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Discard every queued payload",
		Long: `Discard every queued payload. Purged items are recorded in the journal
as evicted. Works against the running daemon, or directly on the queue file
when no daemon holds the state directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			n, err := purgeQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "Purged %d queued payload(s)\n", n)
			return nil
		},
	}
}

func newQueueRemoveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Discard one queued payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			api, err := newAPIClient(cfg.Status.Address)
			if err != nil {
				return err
			}

			if err := api.remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

// offline reports whether err means no daemon answered, so the queue file
// may be used directly.
func offline(err error) bool {
	var unreachable *unreachableError
	return errors.As(err, &unreachable) || errors.Is(err, errAPIDisabled)
}

// listQueue asks the daemon first and falls back to reading the queue file.
func listQueue(ctx context.Context, cfg *config.Config, notice io.Writer) ([]queue.Item, error) {
	if api, err := newAPIClient(cfg.Status.Address); err == nil {
		resp, err := api.queue(ctx)
		if err == nil {
			return resp.Items, nil
		}
		if !offline(err) {
			return nil, err
		}
	}

	fmt.Fprintf(notice, "daemon not reachable, reading %s\n", cfg.QueuePath())
	store, err := queue.NewFileStore(cfg.QueuePath(), logging.Nop())
	if err != nil {
		return nil, err
	}
	return store.Load()
}

// purgeQueue purges through the daemon, or through the queue file when the
// state directory lock can be taken.
func purgeQueue(ctx context.Context, cfg *config.Config) (int, error) {
	api, err := newAPIClient(cfg.Status.Address)
	if err == nil {
		n, err := api.purge(ctx)
		if err == nil || !offline(err) {
			return n, err
		}
	}

	lk, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return 0, fmt.Errorf("daemon (pid %d) holds %s but its status API is not reachable", held.PID, cfg.StateDir)
		}
		return 0, err
	}
	defer lk.Release()

	jrnl, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	q, err := openQueue(cfg, jrnl, logging.Nop(), nil)
	if err != nil {
		return 0, err
	}
	return q.Purge()
}
