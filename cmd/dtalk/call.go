package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/progrium/clon-go"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <type> [args...]",
	Short: "make a request and print the response",
	Long: `Make a request and print the response data as JSON.

Arguments after the type are parsed as CLON, for example:
	dtalk call increment number=1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		var sargs any
		if len(args) > 1 {
			sargs, err = clon.Parse(args[1:])
			if err != nil {
				return err
			}
		}

		conn, err := dial(cmd.Context(), conf, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		ret, err := conn.Request(ctx, args[0], sargs)
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(ret, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}
