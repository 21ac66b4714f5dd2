package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/TheAlpha16/simctl-go"
	"github.com/spf13/cobra"
)

var sendFlags struct {
	schema   string
	validate bool
}

var sendCmd = &cobra.Command{
	Use:   "send [file|-]",
	Short: "Send one command batch and print the reply's frames.",
	Long: `Send one command batch and print the reply's frames. The batch is a ` +
		`JSON array of command objects read from file, or from stdin when the ` +
		`file is "-" or omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		batch, err := simctl.DecodeBatch(data)
		if err != nil {
			return err
		}

		var opts []simctl.Option
		schema, err := selectedSchema()
		if err != nil {
			return err
		}
		if schema != nil {
			opts = append(opts, simctl.WithSchema(schema))
		}

		ctx := cmd.Context()
		s, err := connect(ctx, opts...)
		if err != nil {
			return err
		}
		defer s.Close()

		resp, err := s.Communicate(ctx, batch)
		if err != nil {
			return err
		}
		printResponse(cmd.OutOrStdout(), resp)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFlags.schema, "schema", "", "validate against this YAML command table")
	sendCmd.Flags().BoolVar(&sendFlags.validate, "validate", false, "validate against the built-in command table")
	rootCmd.AddCommand(sendCmd)
}

func selectedSchema() (*simctl.Schema, error) {
	switch {
	case sendFlags.schema != "":
		core := simctl.DefaultSchema()
		extra, err := simctl.LoadSchemaFile(sendFlags.schema)
		if err != nil {
			return nil, err
		}
		return core.Merge(extra)
	case sendFlags.validate:
		return simctl.DefaultSchema(), nil
	}
	return nil, nil
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func printResponse(w io.Writer, resp *simctl.Response) {
	fmt.Fprintf(w, "step %d: %d data frames\n", resp.Step(), len(resp.Data()))
	for i, f := range resp.Data() {
		tag, err := simctl.PeekTagAt(f, resp.TagOffset)
		name := tag.String()
		if err != nil {
			name = "????"
		}
		fmt.Fprintf(w, "  %3d  %s  %d bytes\n", i, name, len(f))
	}
}
