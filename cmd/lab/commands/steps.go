package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <config>",
		Short: "List the experiment's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := loadExperiment(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Steps of experiment %s:\n", exp.Name())
			fmt.Print(exp.Steps().Describe())
			return nil
		},
	}
}
