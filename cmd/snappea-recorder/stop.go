package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
)

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active recording",
		Long: `Stop the active recording with SIGTERM so the output file is finalized.

A recorder that is still alive after the grace period (stop_grace, 5s by
default) is killed, which may leave the output file unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lifecycle, err := ctx.lifecycle()
			if err != nil {
				return err
			}
			result, err := lifecycle.Stop()
			out := cmd.OutOrStdout()
			switch {
			case errors.Is(err, snappea.ErrNoActiveRecording):
				fmt.Fprintln(out, "No active recording")
				return err
			case err != nil:
				return err
			case result.AlreadyGone:
				fmt.Fprintf(out, "Recorder (pid %d) was not running; cleared stale state\n", result.PID)
			case result.Forced:
				fmt.Fprintf(out, "Recorder (pid %d) did not exit in time and was killed\n", result.PID)
			default:
				fmt.Fprintf(out, "Recording stopped (pid %d)\n", result.PID)
			}
			return nil
		},
	}
}
