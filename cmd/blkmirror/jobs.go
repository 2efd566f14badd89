package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/castlebay/blkmirror/internal/jobs"
	"github.com/castlebay/blkmirror/internal/stats"
)

func jobsCmd() *cobra.Command {
	var (
		limit       int
		journalPath string
	)

	cmd := &cobra.Command{
		Use:           "jobs",
		Short:         "List recorded mirror jobs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := journalPath
			if path == "" {
				path = jobs.DefaultJournalPath()
			}
			journal, err := jobs.OpenJournal(path)
			if err != nil {
				return err
			}
			defer journal.Close()

			records, err := journal.List(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(os.Stdout, "no jobs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tBYTES\tSOURCE\tTARGET")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(r.ID),
					r.Status,
					r.Started.Format("2006-01-02 15:04:05"),
					stats.FormatBytes(r.Bytes),
					r.Source,
					r.Target,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs to list")
	cmd.Flags().StringVar(&journalPath, "journal", "", "journal database path (default: XDG state dir)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
