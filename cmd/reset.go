package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetYes        bool
	resetIdentities bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the attendance ledger",
	Long:  "Recreates the attendance ledger with only its header. With --identities the enrolled gallery is dropped too.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if resetYes || confirm(reader, out, "⚠️  Are you sure you want to delete all attendance records?") {
			m, closeLedger, err := openMachine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeLedger()

			fmt.Fprintln(out, "🗑️  Clearing attendance ledger...")
			if err := m.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset ledger: %w", err)
			}
		}

		if resetIdentities && (resetYes || confirm(reader, out, "⚠️  Are you sure you want to DROP all enrolled identities?")) {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(st)

			fmt.Fprintln(out, "🗑️  Clearing identity gallery...")
			if err := st.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
		}

		fmt.Fprintln(out, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip confirmation prompts")
	resetCmd.Flags().BoolVar(&resetIdentities, "identities", false, "Also clear the PostgreSQL identity gallery")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
