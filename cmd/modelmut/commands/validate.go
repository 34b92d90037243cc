package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var schema bool

	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file and print every problem with its location.

YAML and JSON files are checked field by field; CUE files are unified with
the configuration schema first. MODELMUT_* environment overrides are
applied before validation, as they are for every other command.`,
		Example: `  # Validate the file given by --config
  modelmut validate -c ./modelmut.yaml

  # Validate a CUE file
  modelmut validate ./modelmut.cue

  # Print the CUE schema
  modelmut validate --schema`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if schema {
				fmt.Fprint(out, config.Schema())
				return nil
			}

			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			cfg, err := config.Load(path)
			var errs config.Errors
			switch {
			case errors.As(err, &errs):
				for _, e := range errs {
					fmt.Fprintf(out, "✗ %s\n", e)
				}
				return &ExitError{Code: 1}
			case err != nil:
				return err
			}

			if jsonOutput {
				return cfg.Encode(out)
			}
			source := cfg.Source
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintf(out, "✓ %s is valid\n", source)
			return nil
		},
	}

	cmd.Flags().BoolVar(&schema, "schema", false, "print the CUE configuration schema and exit")

	return cmd
}
