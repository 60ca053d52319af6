package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/progrium/clon-go"
	"github.com/spf13/cobra"
)

var waitReplies int

func init() {
	sendCmd.Flags().IntVarP(&waitReplies, "wait", "w", 0, "number of values to wait for and print")
}

var sendCmd = &cobra.Command{
	Use:   "send <args...>",
	Short: "send a free-form value",
	Long: `Send a value that is not a request. The arguments are parsed as CLON.
With --wait, values received afterwards are printed as JSON, one per line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		v, err := clon.Parse(args)
		if err != nil {
			return err
		}

		conn, err := dial(cmd.Context(), conf, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		values := make(chan any, waitReplies)
		conn.OnValue(func(v any) {
			select {
			case values <- v:
			default:
			}
		})

		if err := conn.Send(v); err != nil {
			return err
		}

		deadline := time.After(timeout)
		for i := 0; i < waitReplies; i++ {
			select {
			case v := <-values:
				b, err := json.Marshal(v)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			case <-conn.Done():
				return fmt.Errorf("connection closed after %d of %d values", i, waitReplies)
			case <-deadline:
				return fmt.Errorf("timed out after %d of %d values", i, waitReplies)
			}
		}
		return nil
	},
}
