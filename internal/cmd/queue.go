package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nursefi/nursefi/internal/observability"
	"github.com/nursefi/nursefi/offline"
	"github.com/nursefi/nursefi/offline/store"
)

var queueListOutput string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queueListOutput != "table" && queueListOutput != "json" {
			return fmt.Errorf("unsupported output format: %s", queueListOutput)
		}

		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		queue, st, err := openQueue(cmd.Context(), cfg.Offline)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		records, err := queue.Pending(cmd.Context())
		if err != nil {
			return err
		}

		if queueListOutput == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		renderQueueTable(cmd.OutOrStdout(), records)
		return nil
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		queue, st, err := openQueue(cmd.Context(), cfg.Offline)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		n, err := queue.Len(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one replay pass against the sync endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		queue, st, err := openQueue(cmd.Context(), cfg.Offline)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		replayer := offline.NewReplayer(queue, cfg.Offline.SyncURL,
			append(replayerOptions(cfg.Offline), offline.WithLogger(observability.CLILogger))...)

		res, err := replayer.Flush(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, delivered %d, retained %d, dropped %d\n",
			res.Sent, res.Delivered, res.Retained, res.Dropped)
		return err
	},
}

func renderQueueTable(w io.Writer, records []store.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "ID", "Method", "Path", "Enqueued", "Attempts", "Bytes"})
	for _, rec := range records {
		t.AppendRow(table.Row{
			rec.Key,
			rec.ID,
			rec.Method,
			rec.Path,
			rec.EnqueuedAt.Local().Format(time.DateTime),
			rec.Attempts,
			len(rec.Body),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", strconv.Itoa(len(records))})
	t.Render()
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueCountCmd, queueFlushCmd)

	queueListCmd.Flags().StringVarP(&queueListOutput, "output", "o", "table", "output format: table or json")
}
