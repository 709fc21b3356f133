package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cohortengine/pkg/mq"
	"cohortengine/pkg/outbox"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay outbox events",
	}
	cmd.AddCommand(outboxFailedCmd())
	cmd.AddCommand(outboxReplayCmd())
	return cmd
}

func outboxFailedCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, log, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer log.Sync()

			events, err := outbox.NewRepository(pool).GetFailedEvents(ctx, limit)
			if err != nil {
				return err
			}
			return printEvents(cmd, events, asJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events to list")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func printEvents(cmd *cobra.Command, events []*outbox.Event, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no failed events")
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(out, "%d\t%s\t%s\tretries=%d\t%s\n",
			e.ID, e.RoutingKey, e.AggregateType, e.RetryCount, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func outboxReplayCmd() *cobra.Command {
	var (
		eventID int64
		all     bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish one event (--id) or every failed event (--all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (eventID > 0) == all {
				return fmt.Errorf("pass exactly one of --id or --all")
			}

			ctx := cmd.Context()
			cfg, pool, log, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer log.Sync()

			publisher, err := mq.NewPublisher(cfg.MQ.URL)
			if err != nil {
				return err
			}
			defer publisher.Close()

			replayer := outbox.NewReplayService(outbox.NewRepository(pool), publisher, log)
			if all {
				n, err := replayer.ReplayFailedEvents(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s)\n", n)
				return nil
			}

			if err := replayer.ReplayEvent(ctx, eventID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed event %d\n", eventID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&eventID, "id", 0, "outbox event id")
	cmd.Flags().BoolVar(&all, "all", false, "replay every failed event")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events with --all")
	return cmd
}
