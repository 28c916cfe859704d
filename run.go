package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/logging"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capture, detection and tracking",
	Long: `Start the capture loop, the detection workers and the tracker. The
process runs until interrupted. Send SIGUSR1 to toggle pause.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("console", false, "print tracker events to stdout")
	runCmd.Flags().BoolP("verbose", "v", false, "with --console, also print per-tick updates and rotations")
	runCmd.Flags().Bool("paused", false, "start paused")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := appOptions{}
	if on, _ := cmd.Flags().GetBool("console"); on {
		opts.console = cmd.OutOrStdout()
	}
	opts.verbose, _ = cmd.Flags().GetBool("verbose")

	app, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	if startPaused, _ := cmd.Flags().GetBool("paused"); startPaused {
		app.setPaused(true, "flag")
	}

	go app.watchPauseSignals(ctx)
	return app.Run(ctx)
}

// watchPauseSignals toggles pause on every pause signal until ctx is done.
func (a *App) watchPauseSignals(ctx context.Context) {
	if len(pauseSignals) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, pauseSignals...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			a.setPaused(!a.paused.Load(), "signal")
		}
	}
}
