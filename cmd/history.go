package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tractjoin/internal/report"
	"github.com/sells-group/tractjoin/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded benchmark and join sessions",
}

// -- history list --

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		command, _ := cmd.Flags().GetString("command")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Status:  store.SessionStatus(status),
			Command: command,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "history list")
		}
		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionList(os.Stdout, sessions)
		return nil
	},
}

// -- history show --

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "history show")
		}

		format, _ := cmd.Flags().GetString("format")
		return writeSession(os.Stdout, sess, format)
	},
}

func init() {
	historyListCmd.Flags().String("status", "", "filter by status (running, complete, failed)")
	historyListCmd.Flags().String("command", "", "filter by command (bench, aggregate, join)")
	historyListCmd.Flags().Int("limit", 20, "max number of sessions to display")

	historyShowCmd.Flags().String("format", "table", "output format: table, csv or json")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func writeSession(w io.Writer, sess *store.Session, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	case "csv":
		return report.WriteBenchmarkCSV(w, sess.Records)
	case "table", "":
		_, _ = fmt.Fprintf(w, "Session %s (%s, %s)\n", sess.ID, sess.Command, sess.Status)
		if sess.Error != "" {
			_, _ = fmt.Fprintf(w, "Error: %s\n", sess.Error)
		}
		return report.WriteBenchmarkTable(w, sess.Records)
	}
	return eris.Errorf("history: unknown format %q", format)
}

// formatSessionList writes a tabular list of sessions to out.
func formatSessionList(out io.Writer, sessions []store.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tDATASETS\tRECORDS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t--------\t-------\t-------\t--------")

	for _, s := range sessions {
		dur := "-"
		if s.FinishedAt != nil {
			dur = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(s.ID),
			s.Command,
			s.Status,
			strings.Join(s.Datasets, ","),
			s.RecordCount,
			s.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
