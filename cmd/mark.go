package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/spf13/cobra"
)

var markCmd = &cobra.Command{
	Use:   "mark <name>",
	Short: "Manually mark attendance for a person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMark(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(markCmd)
}

func runMark(ctx context.Context, name string, out io.Writer) error {
	m, closeLedger, err := openMachine(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	outcome, err := m.Mark(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to mark %q: %w", name, err)
	}

	switch outcome {
	case attendance.OutcomeIn:
		fmt.Fprintf(out, "✅ %s checked in\n", attendance.NormalizeName(name))
	case attendance.OutcomeOut:
		fmt.Fprintf(out, "👋 %s checked out\n", attendance.NormalizeName(name))
	default:
		fmt.Fprintf(out, "⏳ %s already marked within the cooldown\n", attendance.NormalizeName(name))
	}
	return nil
}
