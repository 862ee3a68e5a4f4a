package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

var recordsJSON bool

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and annotate reservation records",
}

var recordsActiveCmd = &cobra.Command{
	Use:   "active <property>",
	Short: "List the active records of a property",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		records, err := c.Store.FindActiveByProperty(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if recordsJSON {
			return printJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No active records for %s.\n", args[0])
			return nil
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

var recordsHistoryCmd = &cobra.Command{
	Use:   "history <uid>",
	Short: "Show every version of a reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		records, err := c.Store.FindHistory(cmd.Context(), domain.UID(args[0]))
		if err != nil {
			return err
		}
		if recordsJSON {
			return printJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			return fmt.Errorf("uid %s: %w", args[0], domain.ErrRecordNotFound)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

var recordsSetFieldCmd = &cobra.Command{
	Use:   "set-field <uid> <key=value>...",
	Short: "Set operator service fields on the active version",
	Long: `Set service fields owned by the operations team. Sync passes carry
them forward to every later version of the reservation.

Examples:
  staysync records set-field airbnb_beach-house_2025-06-10_2025-06-12_a1b2 crew=blue
  staysync records set-field <uid> crew=blue linen=king`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFieldArgs(args[1:])
		if err != nil {
			return err
		}

		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		uid := domain.UID(args[0])
		for _, f := range fields {
			if err := c.Store.SetServiceField(cmd.Context(), uid, f[0], f[1]); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %d fields on %s\n", len(fields), uid)
		return nil
	},
}

func parseFieldArgs(args []string) ([][2]string, error) {
	out := make([][2]string, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", arg)
		}
		out = append(out, [2]string{key, value})
	}
	return out, nil
}

func init() {
	recordsCmd.PersistentFlags().BoolVar(&recordsJSON, "json", false, "print records as JSON")
	recordsCmd.AddCommand(recordsActiveCmd, recordsHistoryCmd, recordsSetFieldCmd)
	rootCmd.AddCommand(recordsCmd)
}
