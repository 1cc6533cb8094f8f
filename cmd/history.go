package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facequeue/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recognition results recorded in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		db, err := openDB(ctx, true)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		rows, err := db.ListResults(ctx, historyLimit)
		if err != nil {
			utils.ShowError("Failed to list results", err, nil)
			return err
		}

		if len(rows) == 0 {
			fmt.Println("No results recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tFILE\tPREDICTION\tDISTANCE\tDELIVERIES\tPROCESSED")
		fmt.Fprintln(w, "-------\t----\t----------\t--------\t----------\t---------")
		for _, r := range rows {
			dist := "-"
			if r.Distance != nil {
				dist = fmt.Sprintf("%.4f", *r.Distance)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.RequestID, r.FileName, r.Label, dist, r.Deliveries,
				r.ProcessedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Show at most this many results (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
