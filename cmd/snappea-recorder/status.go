package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
)

type statusView struct {
	Recording bool                    `json:"recording"`
	State     *snappea.RecordingState `json:"state,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a recording is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lifecycle, err := ctx.lifecycle()
			if err != nil {
				return err
			}
			report := func(st *snappea.RecordingState) {
				view := statusView{Recording: st != nil, State: st}
				if asJSON {
					_ = writeJSON(cmd, view)
					return
				}
				printStatus(cmd.OutOrStdout(), view, time.Now())
			}

			if watch {
				watchCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
				defer stop()
				return lifecycle.Watch(watchCtx, report)
			}

			if !lifecycle.IsRecording() {
				report(nil)
				return nil
			}
			st, err := lifecycle.Load()
			if err != nil {
				return err
			}
			report(st)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and report every change")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printStatus(out io.Writer, view statusView, now time.Time) {
	if !view.Recording || view.State == nil {
		fmt.Fprintln(out, "No active recording")
		return
	}
	st := view.State
	fmt.Fprintf(out, "Recording %s to %s\n", st.OutputName, st.OutputFile)
	fmt.Fprintf(out, "  PID:     %d\n", st.PID)
	fmt.Fprintf(out, "  Region:  %d,%d %dx%d\n", st.Region.X, st.Region.Y, st.Region.Width, st.Region.Height)
	fmt.Fprintf(out, "  Started: %s (%s)\n", st.StartedAt.Local().Format(time.DateTime), humanize.RelTime(st.StartedAt, now, "ago", "from now"))
	if st.Encoder != "" {
		fmt.Fprintf(out, "  Encoder: %s in %s at %d fps\n", st.Encoder, st.Container, st.Framerate)
	}
}
