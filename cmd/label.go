package cmd

import (
	"fmt"

	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <current_label> <new_label>",
	Short: "Rename a reference identity stored in Postgres",
	Long: `Renames every identity row carrying <current_label>. Workers pick the new
label up on their next start when index.source is postgres.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		db, err := openDB(ctx, true)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		n, err := db.RenameLabel(ctx, args[0], args[1])
		if err != nil {
			utils.ShowError("Failed to label identity", err, nil)
			return err
		}
		if n == 0 {
			fmt.Printf("❌ No identity labeled '%s'\n", args[0])
			return nil
		}
		fmt.Printf("✅ %d embedding(s) relabeled '%s' -> '%s'\n", n, args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
