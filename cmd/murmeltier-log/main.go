// Command murmeltier-log is the companion viewer for a murmeltierd event
// log database: a table of rows (--table), optionally filtered by a raw
// SQL WHERE fragment, with either the default most-recent-1000 rows
// (--all to lift the cap) or a continuous --follow tail.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"murmeltier/internal/eventlog"
)

const followPollInterval = 500 * time.Millisecond

func main() {
	var (
		file   string
		table  string
		all    bool
		follow bool
	)

	root := &cobra.Command{
		Use:   "murmeltier-log [where-clause]",
		Short: "View a murmeltierd event log database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("murmeltier-log: --file is required")
			}
			var where string
			if len(args) == 1 {
				where = args[0]
			}
			return run(file, table, where, all, follow)
		},
	}

	root.Flags().StringVar(&file, "file", "", "path to the event log database")
	root.Flags().StringVar(&table, "table", "", "table to query (default: the fixed-schema log table)")
	root.Flags().BoolVar(&all, "all", false, "show every matching row instead of the most recent 1000")
	root.Flags().BoolVarP(&follow, "follow", "f", false, "tail newly appended rows instead of exiting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(file, table, where string, all, follow bool) error {
	l, err := eventlog.Open(file)
	if err != nil {
		return fmt.Errorf("murmeltier-log: opening %s: %w", file, err)
	}
	defer l.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rows, err := l.Query(ctx, table, where, all)
	if err != nil {
		return fmt.Errorf("murmeltier-log: query: %w", err)
	}
	tw := newRowWriter(os.Stdout)
	for _, r := range rows {
		tw.write(r)
	}
	tw.flush()

	if !follow {
		return nil
	}

	out, errc := l.Follow(ctx, table, where, followPollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-out:
			if !ok {
				return nil
			}
			tw.write(r)
			tw.flush()
		case err := <-errc:
			if err != nil {
				fmt.Fprintln(os.Stderr, "murmeltier-log:", err)
			}
		}
	}
}

// rowWriter formats eventlog.Row values as tab-separated lines, the same
// tabwriter-based approach the teacher's CLI output helper uses for
// table-formatted results.
type rowWriter struct {
	tw *tabwriter.Writer
}

func newRowWriter(w *os.File) *rowWriter {
	return &rowWriter{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
}

func (rw *rowWriter) write(r eventlog.Row) {
	fmt.Fprintf(rw.tw, "%d\t%s\t%v\n", r.ID, r.TimeUTC.Format(time.RFC3339), r.Fields)
}

func (rw *rowWriter) flush() {
	_ = rw.tw.Flush()
}
