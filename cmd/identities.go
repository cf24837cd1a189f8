package cmd

import (
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "List all enrolled identities in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore(st)

		identities, err := st.ListIdentities(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list identities: %w", err)
		}
		if len(identities) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No identities found in database.")
			return nil
		}

		rows := make([][]string, 0, len(identities))
		for _, id := range identities {
			rows = append(rows, []string{
				fmt.Sprint(id.ID), id.Name, fmt.Sprint(id.Count), id.CreatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"ID", "Name", "Face Count", "Created"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight},
		))
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename an enrolled identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := cast.ToIntE(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity id %q", args[0])
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore(st)

		if err := st.RenameIdentity(cmd.Context(), id, args[1]); err != nil {
			return fmt.Errorf("failed to rename identity %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Identity %d is now %s\n", id, args[1])
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete an enrolled identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := cast.ToIntE(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity id %q", args[0])
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore(st)

		if err := st.DeleteIdentity(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to delete identity %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Identity %d deleted\n", id)
		return nil
	},
}

func init() {
	identitiesCmd.AddCommand(renameCmd, forgetCmd)
	rootCmd.AddCommand(identitiesCmd)
}
