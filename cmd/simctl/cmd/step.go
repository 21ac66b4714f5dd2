package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stepCount int

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Advance the simulation by sending empty batches.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		for i := 0; i < stepCount; i++ {
			resp, err := s.Communicate(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "step %d: %d data frames\n", resp.Step(), len(resp.Data()))
		}
		return nil
	},
}

func init() {
	stepCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "number of steps")
	rootCmd.AddCommand(stepCmd)
}
