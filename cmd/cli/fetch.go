package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yourusername/bili-extract-go/internal/app"
	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/pkg/logger"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [input]",
	Short: "Download and mux a video in this process",
	Long: `Runs the whole pipeline locally without the server. The input may be a
video URL, a b23.tv short link, or any text containing a BV id.

Press Ctrl-C once to pause the download; press it again to abort.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringP("output", "o", "", "Directory for the muxed file (overrides download.output_dir)")
	fetchCmd.Flags().Bool("clean", false, "Remove the intermediate video and audio files after muxing")
	fetchCmd.Flags().BoolP("verbose", "v", false, "Log pipeline details to stderr")
}

func runFetch(cmd *cobra.Command, args []string) error {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		config.Download.OutputDir = output
	}
	if clean, _ := cmd.Flags().GetBool("clean"); clean {
		config.Download.KeepIntermediate = false
	}

	level := "warn"
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	pipeline, err := app.BuildPipeline(config, log)
	if err != nil {
		return err
	}

	ctx, abort := context.WithCancel(context.Background())
	defer abort()

	pause := &domain.CancelFlag{}
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		select {
		case <-signals:
			fmt.Fprintln(os.Stderr, "\nPausing... press Ctrl-C again to abort")
			pause.Set()
		case <-ctx.Done():
			return
		}
		select {
		case <-signals:
			abort()
		case <-ctx.Done():
		}
	}()

	view := newProgressView(os.Stderr)
	result := pipeline.Run(ctx, args[0], nil, view, pause)
	if !result.Succeeded() {
		return result.Err
	}

	size := ""
	if info, err := os.Stat(result.OutputPath); err == nil {
		size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	fmt.Printf("Saved %q%s\n", result.OutputPath, size)
	return nil
}
