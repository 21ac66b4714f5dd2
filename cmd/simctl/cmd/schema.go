package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/TheAlpha16/simctl-go"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and check command tables.",
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Check a YAML command table and its merge with the built-in one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := simctl.LoadSchemaFile(args[0])
		if err != nil {
			return err
		}
		if _, err := simctl.DefaultSchema().Merge(s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d commands, %d enums\n", args[0], len(s.Commands), len(s.Enums))
		return nil
	},
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in commands and their parameters.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s := simctl.DefaultSchema()
		w := cmd.OutOrStdout()
		for _, name := range s.Names() {
			fmt.Fprintln(w, name)
			fields := s.Commands[name].Fields
			for _, fname := range slices.Sorted(maps.Keys(fields)) {
				f := fields[fname]
				req := ""
				if f.Required {
					req = " (required)"
				}
				fmt.Fprintf(w, "  %s %s%s\n", fname, f.Type, req)
			}
		}
	},
}

func init() {
	schemaCmd.AddCommand(schemaCheckCmd, schemaListCmd)
	rootCmd.AddCommand(schemaCmd)
}
