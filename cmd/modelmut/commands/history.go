package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		locator string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Example: `  modelmut history
  modelmut history --locator ./models/sales.yaml --status partial
  modelmut history show 3f0c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var filter stores.RunFilter
			if locator != "" {
				filter.Locator = &locator
			}
			if status != "" {
				s := stores.RunStatus(status)
				switch s {
				case stores.RunStatusSucceeded, stores.RunStatusPartial, stores.RunStatusFailed:
				default:
					return fmt.Errorf("invalid status %q: expected succeeded, partial or failed", status)
				}
				filter.Status = &s
			}

			a, err := newApp(ctx, appOptions{needStore: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			runs, err := a.store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tLOCATOR\tREQUEST")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s.%s=%q\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Locator,
					r.TargetKind, r.AttributeName, r.AttributeValue)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&locator, "locator", "", "only runs against this locator")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (succeeded, partial, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")

	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run with its step outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{needStore: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := a.store.ListStepOutcomes(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*stores.Run
					Steps []*stores.StepOutcome `json:"steps"`
				}{run, steps})
			}

			fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.Status)
			fmt.Fprintf(out, "  %s\n", run.Summary)
			fmt.Fprintf(out, "  locator:  %s\n", run.Locator)
			fmt.Fprintf(out, "  provider: %s\n", run.Provider)
			fmt.Fprintf(out, "  started:  %s (%dms)\n", run.StartedAt.Local().Format(time.DateTime), run.DurationMS)
			if run.ObjectID != nil {
				fmt.Fprintf(out, "  object:   %s\n", *run.ObjectID)
			}
			if run.Error != nil {
				fmt.Fprintf(out, "  error:    %s\n", *run.Error)
			}
			for _, s := range steps {
				winner := "failed"
				if s.Succeeded != nil {
					winner = "ok via " + *s.Succeeded
				}
				fmt.Fprintf(out, "  %d. %s: %s (tried %s)\n", s.Seq, s.Step, winner, s.Attempted)
			}
			return nil
		},
	}
}
