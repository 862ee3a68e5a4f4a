package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show sync run reports",
}

var reportLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show the report of the latest sync pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := c.LastReport(cmd.Context())
		if err != nil {
			return err
		}
		if report == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No sync report recorded yet. Run: staysync sync")
			return nil
		}
		if reportJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	reportLastCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	reportCmd.AddCommand(reportLastCmd)
	rootCmd.AddCommand(reportCmd)
}
