package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/httprunner/TestAgent/pkg/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagLimit      int
		flagState      string
		flagSerial     string
		flagParent     string
		flagInvocation string
		flagJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored invocations and their test results",
		Example: `  testagent history --state failed --limit 20
  testagent history --parent inv-1234
  testagent history --invocation inv-1234-shard-0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(storage.Config{Path: rootDBPath})
			if err != nil {
				return err
			}
			defer store.Close()
			history := storage.NewHistory(store)
			out := cmd.OutOrStdout()

			if flagInvocation != "" {
				inv, err := history.Invocation(cmd.Context(), flagInvocation)
				if err != nil {
					return err
				}
				results, err := history.TestResults(cmd.Context(), flagInvocation)
				if err != nil {
					return err
				}
				if flagJSON {
					return writeJSON(out, struct {
						Invocation storage.InvocationRow `json:"invocation"`
						Results    []storage.ResultRow   `json:"results"`
					}{inv, results})
				}
				if err := writeInvocations(out, []storage.InvocationRow{inv}); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return writeResults(out, results)
			}

			rows, err := history.ListInvocations(cmd.Context(), storage.HistoryFilter{
				Limit:    flagLimit,
				State:    flagState,
				Serial:   flagSerial,
				ParentID: flagParent,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(out, rows)
			}
			return writeInvocations(out, rows)
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum invocations to list")
	cmd.Flags().StringVar(&flagState, "state", "", "Only list invocations in this state")
	cmd.Flags().StringVar(&flagSerial, "serial", "", "Only list invocations that used this device")
	cmd.Flags().StringVar(&flagParent, "parent", "", "Only list the shards of this invocation")
	cmd.Flags().StringVar(&flagInvocation, "invocation", "", "Show one invocation with its test results")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print JSON")
	return cmd
}

func writeInvocations(w io.Writer, rows []storage.InvocationRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONFIG\tSTATE\tSHARD\tDEVICES\tSTARTED\tELAPSED\tPASSED/TOTAL\tERROR")
	for _, row := range rows {
		shard := "-"
		if row.ShardCount > 1 {
			shard = fmt.Sprintf("%d/%d", row.ShardIndex, row.ShardCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%ds\t%d/%d\t%s\n",
			row.ID, dash(row.Config), row.State, shard, dash(strings.Join(row.Serials, ",")),
			formatTime(row.StartAt), row.ElapsedSeconds, row.Passed, row.Total,
			dash(firstNonEmpty(row.ErrorClass, row.ErrorMessage)))
	}
	return tw.Flush()
}

func writeResults(w io.Writer, results []storage.ResultRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTEST\tSTATUS\tDURATION\tTRACE")
	for _, r := range results {
		duration := "-"
		if !r.Start.IsZero() && !r.End.IsZero() {
			duration = r.End.Sub(r.Start).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Run, r.ID, r.Status, duration, dash(firstLine(r.Trace)))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
