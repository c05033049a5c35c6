package cmd

import (
	"fmt"
	"log/slog"

	"github.com/Lzww0608/gflake"
	"github.com/spf13/cobra"
)

// maxCount is the largest number of IDs next prints in one run.
const maxCount = int(gflake.SequenceCapacity)

func (a *app) nextCommand() *cobra.Command {
	var (
		count  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print new IDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > maxCount {
				return fmt.Errorf("count must be in 1..%d, got %d", maxCount, count)
			}
			encode, err := idFormatter(format)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			client, alloc, as, closeAlloc, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			defer closeAlloc()
			defer func() {
				if err := release(alloc, as); err != nil {
					a.logger.Warn("failed to release slot", slog.Any("error", err))
				}
			}()

			ids, err := client.GenerateN(count)
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, encode(id))
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of IDs")
	cmd.Flags().StringVar(&format, "format", "dec", "output format: dec, hex or base64")
	return cmd
}

func idFormatter(format string) (func(gflake.ID) string, error) {
	switch format {
	case "dec", "":
		return gflake.ID.String, nil
	case "hex":
		return gflake.ID.EncodeToHex, nil
	case "base64":
		return gflake.ID.EncodeToBase64, nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}
