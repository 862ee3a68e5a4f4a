package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/persistence"
)

var (
	sourcesAll            bool
	sourcesDisableMissing bool
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source registry",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		sources, err := c.Store.ListSources(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		shown := 0
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTAG\tPROPERTY\tFORMAT\tENABLED\tLOCATION")
		for _, s := range sources {
			if !s.Enabled && !sourcesAll {
				continue
			}
			property := s.PropertyRef
			if s.MultiProperty() {
				property = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.ID, s.Tag, property, s.Format, s.Enabled, s.Location)
			shown++
		}
		if shown == 0 {
			fmt.Fprintln(out, "No sources registered. Import a catalog with: staysync sources import sources.yaml")
			return nil
		}
		return tw.Flush()
	},
}

var sourcesImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Register the sources of a catalog file",
	Long: `Upsert every source of a YAML catalog into the registry.

Examples:
  staysync sources import sources.yaml
  staysync sources import --disable-missing sources.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.SourcesFile
		if len(args) == 1 {
			path = args[0]
		}
		catalog, err := persistence.LoadSourceCatalog(path)
		if err != nil {
			return err
		}

		c, err := container(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		listed := make(map[string]bool, len(catalog))
		for _, desc := range catalog {
			if err := c.Store.UpsertSource(ctx, desc); err != nil {
				return fmt.Errorf("register %s: %w", desc.ID, err)
			}
			listed[desc.ID] = true
		}

		disabled := 0
		if sourcesDisableMissing {
			existing, err := c.Store.ListSources(ctx)
			if err != nil {
				return err
			}
			for _, s := range existing {
				if s.Enabled && !listed[s.ID] {
					if err := c.Store.SetSourceEnabled(ctx, s.ID, false); err != nil {
						return err
					}
					disabled++
				}
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sources from %s", len(catalog), path)
		if disabled > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), ", disabled %d", disabled)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func sourceToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: use + " a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := container(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Store.SetSourceEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %s %sd\n", args[0], use)
			return nil
		},
	}
}

func init() {
	sourcesListCmd.Flags().BoolVarP(&sourcesAll, "all", "a", false, "include disabled sources")
	sourcesImportCmd.Flags().BoolVar(&sourcesDisableMissing, "disable-missing", false, "disable registered sources absent from the file")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesImportCmd, sourceToggleCmd("enable", true), sourceToggleCmd("disable", false))
	rootCmd.AddCommand(sourcesCmd)
}
