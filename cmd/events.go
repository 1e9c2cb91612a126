package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"depositbox/config"
	"depositbox/storage"
)

var (
	eventsLimit    int
	eventsType     string
	eventsUser     string
	eventsSeverity string
	eventsSession  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the server audit log",
	Long: `Show recent audit events recorded by the server, newest first.

Examples:
  depositbox events                       # last 50 events
  depositbox events --type login_failed   # failed logins only
  depositbox events --user alice -n 10    # one user's recent activity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(cmd.Flags())
		if err != nil {
			return err
		}

		store, _, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer store.Close()

		events, err := store.GetEvents(storage.EventFilter{
			EventType: eventsType,
			Username:  eventsUser,
			Severity:  eventsSeverity,
			SessionID: eventsSession,
			Limit:     eventsLimit,
		})
		if err != nil {
			return err
		}
		return printEvents(cmd.OutOrStdout(), events)
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of events shown")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsCmd.Flags().StringVar(&eventsUser, "user", "", "filter by user name (case-insensitive)")
	eventsCmd.Flags().StringVar(&eventsSeverity, "severity", "", "filter by severity (info, warning, critical)")
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "filter by session id")
	eventsCmd.Flags().String(config.FlagName(config.KeyDataDir), "", "data directory (default: per-user app directory)")
}

// resetEventsCommandState resets the events command's flag values for testing.
func resetEventsCommandState() {
	eventsLimit = 50
	eventsType = ""
	eventsUser = ""
	eventsSeverity = ""
	eventsSession = ""
}

func printEvents(out io.Writer, events []storage.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tUSER\tFILE\tREMOTE\tSESSION\tDETAILS")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339),
			severityLabel(event.Severity),
			event.EventType,
			valueOrDash(event.Username),
			valueOrDash(event.Filename),
			valueOrDash(event.RemoteAddr),
			event.SessionID,
			event.Details,
		)
	}
	return w.Flush()
}

func severityLabel(severity string) string {
	switch severity {
	case storage.SeverityCritical:
		return color.RedString(severity)
	case storage.SeverityWarning:
		return color.YellowString(severity)
	default:
		return severity
	}
}

func valueOrDash(value *string) string {
	if value == nil || *value == "" {
		return "-"
	}
	return *value
}
