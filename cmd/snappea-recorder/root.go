package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
	"github.com/hojjatabdollahi/snappea-sub000/internal/logging"
	"github.com/hojjatabdollahi/snappea-sub000/internal/recorder"
)

type recordFlags struct {
	output      string
	outputName  string
	region      string
	logicalSize string
	encoder     string
	container   string
	framerate   uint32
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var debugFlag bool
	var flags recordFlags

	ctx := newCommandContext(&configFlag, &debugFlag)

	rootCmd := &cobra.Command{
		Use:   "snappea-recorder",
		Short: "Record a Wayland output to a video file",
		Long: `Record a Wayland output, or a region of it, until SIGTERM or SIGINT.

Only one recording can be active. Use "snappea-recorder stop" to end it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, ctx, flags)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file path")
	rootCmd.Flags().StringVar(&flags.outputName, "output-name", "", "Compositor output to record (e.g. DP-1)")
	rootCmd.Flags().StringVar(&flags.region, "region", "", "Region to record as x,y,width,height (default: whole output)")
	rootCmd.Flags().StringVar(&flags.logicalSize, "logical-size", "", "Logical size of the output as width,height")
	rootCmd.Flags().StringVar(&flags.encoder, "encoder", "", "Encoder backend id, codec or codec:tier (default: best available)")
	rootCmd.Flags().StringVar(&flags.container, "container", "Mp4", "Container format: Mp4, Webm or Mkv")
	rootCmd.Flags().Uint32Var(&flags.framerate, "framerate", 30, "Frames per second")
	_ = rootCmd.MarkFlagRequired("output")
	_ = rootCmd.MarkFlagRequired("output-name")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newStopCommand(ctx))
	rootCmd.AddCommand(newEncodersCommand())

	return rootCmd
}

func parseRecordFlags(flags recordFlags) (recorder.Options, error) {
	opts := recorder.Options{
		OutputPath: flags.output,
		OutputName: flags.outputName,
		Encoder:    strings.TrimSpace(flags.encoder),
		Container:  flags.container,
		Framerate:  flags.framerate,
	}
	if flags.region != "" {
		region, err := snappea.ParseRegion(flags.region)
		if err != nil {
			return opts, err
		}
		opts.Region = region
	}
	if flags.logicalSize != "" {
		w, h, err := snappea.ParseSize(flags.logicalSize)
		if err != nil {
			return opts, err
		}
		opts.LogicalWidth, opts.LogicalHeight = w, h
	}
	return opts, opts.Validate()
}

func runRecord(cmd *cobra.Command, ctx *commandContext, flags recordFlags) error {
	opts, err := parseRecordFlags(flags)
	if err != nil {
		return err
	}
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	lifecycle, err := ctx.lifecycle()
	if err != nil {
		return err
	}

	opts.SessionID = uuid.NewString()
	logger, closeLog, err := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Debug:     ctx.debug(),
		File:      cfg.LogFile,
		Writer:    cmd.ErrOrStderr(),
		SessionID: opts.SessionID,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Signals only cancel the context; the recorder does all teardown.
	stopCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	slog.Info("recorder: starting",
		"pid", os.Getpid(),
		"output_file", opts.OutputPath,
		"output_name", opts.OutputName,
		"encoder", opts.Encoder,
		"container", opts.Container,
		"framerate", opts.Framerate,
	)

	result, err := recorder.New(opts, cfg, lifecycle).Run(stopCtx)
	if err != nil {
		class, _ := snappea.ClassOf(err)
		slog.Error("recorder: recording failed",
			"error", err,
			"class", class.String(),
			"frames", result.Frames,
		)
		return fmt.Errorf("recording failed: %w", err)
	}
	return nil
}
