package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate an experiment definition",
		Long: `Validate an experiment definition without building anything.

This checks YAML syntax, rejects unknown fields and verifies that the
definition assembles into a well-formed experiment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := loadExperiment(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: experiment %q with %d runs is valid\n",
				args[0], exp.Name(), len(exp.Runs()))
			return nil
		},
	}
}
