package main

import (
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/progrium/qlink-go/link"
)

func catCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <endpoint>",
		Short: "Copy stdin to a new channel and the channel to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := link.Connect(ctx, args[0], cfg, link.WithLogger(log))
			if err != nil {
				return err
			}
			defer c.Close()

			ch, err := c.Open(ctx)
			if err != nil {
				return err
			}
			go func() {
				io.Copy(ch, cmd.InOrStdin())
				ch.Close()
			}()
			_, err = io.Copy(cmd.OutOrStdout(), ch)
			return err
		},
	}
}
