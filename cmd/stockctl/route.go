package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route [key...]",
	Short: "Prints the shard each routing key maps to under the current configuration",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		placement, err := cfg.Placement()
		if err != nil {
			return err
		}

		fmt.Println(placement.Name())
		for _, arg := range args {
			key, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("key must be a number: %w", err)
			}
			fmt.Printf("%s_id %d -> shard %d\n", placement.Dimension(), key, placement.Route(key))
		}
		return nil
	},
}
