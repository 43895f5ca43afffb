package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjwo/lab/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <config>",
		Short: "Show recent step executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := loadExperiment(args[0])
			if err != nil {
				return err
			}

			store, err := stores.NewHistoryStore(exp.Path() + "-history.db")
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRecent(cmd.Context(), exp.Name(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Printf("No recorded step executions for experiment %s\n", exp.Name())
				return nil
			}

			fmt.Printf("%-20s  %-12s  %-8s  %-10s  %s\n",
				"STARTED", "STEP", "STATUS", "DURATION", "ERROR")
			for _, r := range runs {
				duration := "-"
				if r.FinishedAt.Valid {
					duration = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Printf("%-20s  %-12s  %-8s  %-10s  %s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Step, r.Status, duration, r.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions to show")
	return cmd
}
