package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/models"
	"github.com/koalax/agent/internal/notify"
	"github.com/koalax/agent/internal/uuid"
)

// withAgent loads the config, opens the agent with an initialized change
// store and runs fn. These commands work on the database directly, so they
// also work while no agent is serving.
func withAgent(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *agent) error) (err error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	ctx := cmd.Context()
	a, err := openAgent(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	if err := a.store.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newChangesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Inspect and edit the pending-change queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List changes waiting for delivery",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
					changes, err := a.store.GetAll(ctx)
					if err != nil {
						return err
					}
					return printChanges(cmd.OutOrStdout(), changes)
				})
			},
		},
		newChangesAddCmd(opts),
		&cobra.Command{
			Use:   "remove ID",
			Short: "Drop a queued change without delivering it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Normalize(args[0])
				if err != nil {
					return errors.Wrap(errors.ErrInvalid, "invalid change id", err)
				}
				return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
					return a.store.Remove(ctx, id)
				})
			},
		},
	)
	return cmd
}

func newChangesAddCmd(opts *options) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "add TABLE OPERATION [DATA|-]",
		Short: "Queue a change and try to deliver it; DATA is JSON, - reads it from stdin",
		Long: `Queue a change and run one sync pass before exiting, as the agent does
for changes posted to it. With --no-sync the change only waits in the queue
for the next sync command or serve pass.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := models.ParseOperation(args[1])
			if err != nil {
				return errors.Wrap(errors.ErrInvalid, "invalid operation", err)
			}
			var data json.RawMessage
			if len(args) == 3 {
				raw := []byte(args[2])
				if args[2] == "-" {
					if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
						return fmt.Errorf("failed to read stdin: %w", err)
					}
				}
				data = json.RawMessage(strings.TrimSpace(string(raw)))
			}
			return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
				var change *models.PendingChange
				if noSync {
					change, err = a.store.Add(ctx, models.PendingChange{
						Table:     args[0],
						Operation: op,
						Data:      data,
					})
				} else {
					change, err = a.engine.Enqueue(ctx, args[0], op, data)
					a.engine.Wait()
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), change.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "only queue the change")
	return cmd
}

func printChanges(w io.Writer, changes []*models.PendingChange) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUED\tTABLE\tOPERATION\tRETRIES")
	for _, c := range changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			c.ID, c.Time().Format(time.RFC3339), c.Table, c.Operation, c.RetryCount)
	}
	return tw.Flush()
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued changes once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
				if !a.engine.TriggerSync(ctx) {
					return errors.New(errors.ErrSyncInProgress, "sync already in progress")
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.engine.LastResult())
			})
		},
	}
}

func newCacheCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached responses",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cache buckets",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
					names, err := a.storage.Keys(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						marker := ""
						if n == a.cache.CacheName() || n == a.cache.DynamicCacheName() {
							marker = " (current)"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", n, marker)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cache bucket",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withAgent(cmd, opts, func(ctx context.Context, a *agent) error {
					deleted, err := a.cache.ClearAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %d bucket(s)\n", len(deleted))
					return nil
				})
			},
		},
	)
	return cmd
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Web Push helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "Generate a VAPID key pair for the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := notify.GeneratePushKeys()
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "push_public_key: %s\npush_private_key: %s\n", pub, priv)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "koalax-agent %s\n", Version)
		},
	}
}
