package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/store"
)

var historyChannel string

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exceptionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(attemptsCmd)
	rootCmd.AddCommand(statsCmd)
	historyCmd.Flags().StringVar(&historyChannel, "channel", "", "Filter history to one channel")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently isolated channels",
	RunE:  runList,
}

var exceptionsCmd = &cobra.Command{
	Use:   "exceptions <channel-id>",
	Short: "Show permitted sources for an isolated channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runExceptions,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show isolation session history",
	RunE:  runHistory,
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts <session-id>",
	Short: "Show recorded HTLC decisions for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttempts,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show overall statistics",
	RunE:  runStats,
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Format("2006-01-02 15:04")
}

func runList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListActive()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no channels are currently isolated")
		return nil
	}

	w := table()
	fmt.Fprintln(w, "CHANNEL\tALIAS\tSTARTED\tATTEMPTS\tALLOWED\tREJECTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ChannelID, orNA(s.Alias), fmtTime(s.StartedAt), s.Attempts, s.Allowed, s.Rejected)
	}
	return w.Flush()
}

func runExceptions(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	exceptions, err := st.Exceptions(args[0])
	if errors.Is(err, store.ErrNotIsolated) {
		fmt.Printf("channel %s is not currently isolated\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	if len(exceptions) == 0 {
		fmt.Printf("no exceptions configured for channel %s\n", args[0])
		return nil
	}

	fmt.Printf("exceptions for channel %s:\n", args[0])
	w := table()
	fmt.Fprintln(w, "ALLOWED CHANNEL\tALIAS\tADDED")
	for _, e := range exceptions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.SourceID, orNA(e.Alias), fmtTime(e.AddedAt))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.History(historyChannel)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no isolation history found")
		return nil
	}

	w := table()
	fmt.Fprintln(w, "SESSION\tCHANNEL\tALIAS\tSTARTED\tENDED\tSTATUS\tATTEMPTS\tALLOWED\tREJECTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.ChannelID, orNA(s.Alias), fmtTime(s.StartedAt), fmtTime(s.EndedAt),
			s.Status, s.Attempts, s.Allowed, s.Rejected)
	}
	return w.Flush()
}

func runAttempts(cmd *cobra.Command, args []string) error {
	var sessionID int64
	if _, err := fmt.Sscanf(args[0], "%d", &sessionID); err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.SessionByID(sessionID)
	if err != nil {
		return err
	}
	attempts, err := st.Attempts(sessionID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Printf("no HTLC attempts found for session %d\n", sessionID)
		return nil
	}

	fmt.Printf("HTLC attempts for session %d\n", sessionID)
	fmt.Printf("isolated channel: %s (status: %s)\n\n", sess.ChannelID, sess.Status)

	w := table()
	fmt.Fprintln(w, "SOURCE\tALIAS\tAMOUNT (SATS)\tDECISION\tOUTCOME\tTIME")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\t%s\n",
			a.SourceID, orNA(a.Alias), float64(a.AmountMsat)/1000,
			a.Decision, orNA(a.Outcome), a.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.OverallStats()
	if err != nil {
		return err
	}

	fmt.Println("channel isolator statistics")
	fmt.Println("========================================")
	fmt.Printf("active isolations:    %d\n", stats.ActiveSessions)
	fmt.Printf("total sessions:       %d\n", stats.TotalSessions)
	fmt.Printf("total HTLC attempts:  %d\n", stats.TotalAttempts)
	fmt.Printf("  - allowed:          %d\n", stats.Allowed)
	fmt.Printf("  - rejected:         %d\n", stats.Rejected)
	return nil
}
