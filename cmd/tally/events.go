package main

import (
	"context"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tallypay/tally/internal/events"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read and verify the event journal",
	}

	var after, kind string
	var limit int
	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want events.Kind
			if kind != "" {
				k, ok := events.ParseKind(kind)
				if !ok {
					return fmt.Errorf("unknown event kind %q", kind)
				}
				want = k
			}
			return withJournal(cmd.Context(), func(ctx context.Context, j *events.Journal) error {
				records, err := j.List(ctx, after, limit)
				if err != nil {
					return err
				}
				if want != "" {
					records = slices.DeleteFunc(records, func(r events.Record) bool { return r.Kind != want })
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), records)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tOP\tKIND")
				for _, rec := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.ID, rec.Timestamp.Format("2006-01-02T15:04:05Z"), rec.Op, rec.Kind)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&after, "after", "", "only events with ids after this one")
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	listCmd.Flags().StringVar(&kind, "kind", "", "only show events of this kind within the listed page")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print full records as JSON")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check every journal signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j *events.Journal) error {
				total, err := j.Count(ctx)
				if err != nil {
					return err
				}
				bad, err := j.Verify(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range bad {
					fmt.Fprintf(out, "signature mismatch: %s\n", id)
				}
				fmt.Fprintf(out, "%d events checked, %d invalid\n", total, len(bad))
				if len(bad) > 0 {
					return fmt.Errorf("journal has %d events with invalid signatures", len(bad))
				}
				return nil
			})
		},
	})
	return cmd
}

func withJournal(ctx context.Context, fn func(context.Context, *events.Journal) error) error {
	cfg, err := loadConfig("tally-cli")
	if err != nil {
		return err
	}
	j, err := events.OpenJournal(events.JournalConfig{DataDir: cfg.DataDir, SigningKey: cfg.JournalKey})
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(ctx, j)
}
