package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/spf13/cobra"
)

type decoded struct {
	ID gflake.ID `json:"id"`
	gflake.Components
	UnixMillis int64     `json:"unix_ms"`
	Time       time.Time `json:"time"`
}

func (a *app) decodeCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decode <id>...",
		Short: "Split IDs into their fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ms, err := gflake.ToTimestamp(a.cfg.Epoch, id, gflake.Milliseconds)
				if err != nil {
					return err
				}
				d := decoded{
					ID:         id,
					Components: id.Components(),
					UnixMillis: ms,
					Time:       id.Time(a.cfg.Epoch),
				}

				if asJSON {
					data, err := json.Marshal(d)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					continue
				}
				fmt.Fprintf(out, "id:          %s\n", d.ID)
				fmt.Fprintf(out, "timestamp:   %d\n", d.Timestamp)
				fmt.Fprintf(out, "process_id:  %d\n", d.ProcessID)
				fmt.Fprintf(out, "worker_seed: %d\n", d.WorkerSeed)
				fmt.Fprintf(out, "sequence:    %d\n", d.Sequence)
				fmt.Fprintf(out, "unix_ms:     %d\n", d.UnixMillis)
				fmt.Fprintf(out, "time:        %s\n", d.Time.Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per ID")
	return cmd
}

func (a *app) timestampCommand() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "timestamp <id>",
		Short: "Print the Unix timestamp an ID was issued at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			u, err := gflake.ParseUnit(unit)
			if err != nil {
				return err
			}
			ts, err := gflake.ToTimestamp(a.cfg.Epoch, id, u)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ts)
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "ms", "ms or s")
	return cmd
}
