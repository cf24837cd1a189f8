package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/spf13/cobra"
)

var (
	attendanceDate  string
	attendanceToday bool
)

var attendanceCmd = &cobra.Command{
	Use:     "attendance",
	Aliases: []string{"list"},
	Short:   "List attendance records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttendance(cmd.Context(), attendanceDate, attendanceToday, cmd.OutOrStdout())
	},
}

func init() {
	attendanceCmd.Flags().StringVar(&attendanceDate, "date", "", "Only show records for this day (YYYY-MM-DD)")
	attendanceCmd.Flags().BoolVar(&attendanceToday, "today", false, "Only show records for today in the configured time zone")
	rootCmd.AddCommand(attendanceCmd)
}

func runAttendance(ctx context.Context, date string, today bool, out io.Writer) error {
	if date != "" {
		if _, err := time.Parse(attendance.DateLayout, date); err != nil {
			return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
		}
	}

	m, closeLedger, err := openMachine(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	if today {
		date = m.Today()
	}
	recs, err := m.Records(ctx, date)
	if err != nil {
		return fmt.Errorf("failed to read attendance: %w", err)
	}

	if len(recs) == 0 {
		fmt.Fprintln(out, "No attendance records found.")
		return nil
	}

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.Name, r.Date, r.Time, string(r.Type)})
	}
	fmt.Fprintln(out, renderTable([]string{"Name", "Date", "Time", "Type"}, rows, nil))
	return nil
}
