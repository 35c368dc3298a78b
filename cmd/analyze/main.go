package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/config"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/internal/store"
)

func main() {
	err := newCommand().Execute()
	switch {
	case err == nil:
	case errors.Is(err, source.ErrSourceUnavailable):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

type summary struct {
	frames    uint64
	degraded  uint64
	errors    uint64
	accidents int
}

func newCommand() *cobra.Command {
	var configPath, logLevel string
	var notify bool

	cmd := &cobra.Command{
		Use:           "analyze <source>",
		Short:         "Run collision detection over one source without the web monitor",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper()
			if err != nil {
				return err
			}
			if logLevel != "" {
				v.Set("log.level", logLevel)
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return analyze(ctx, cfg, args[0], notify)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override")
	cmd.Flags().BoolVar(&notify, "notify", false, "Dispatch confirmed accidents through the configured alert channels")
	return cmd
}

func analyze(ctx context.Context, cfg config.Config, name string, notify bool) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	defer logger.Sync()

	m := metrics.New()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Detector.Timeout)
	capability := detector.Connect(probeCtx, cfg.Detector)
	cancel()

	opts := pipeline.Options{
		Source:     name,
		Opener:     source.NewOpener(cfg.Source),
		Capability: capability,
		Annotator:  annotate.New(cfg.Annotate),
		Metrics:    m,
		Config:     cfg.Pipeline,
	}
	if notify {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open accident store: %w", err)
		}
		defer db.Close()
		opts.Notifier = alert.NewDispatcher(m,
			alert.NewLogbook(db, cfg.Alert.Site),
			alert.NewSMS(cfg.Alert.SMS),
			alert.NewSiren(cfg.Alert.Siren),
		)
	}

	orch, err := pipeline.New(opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	frames, err := orch.Frames(ctx)
	if err != nil {
		return err
	}

	var sum summary
	var streamErr error
	for out := range frames {
		sum.frames++
		switch out.Kind {
		case pipeline.FrameDegraded:
			sum.degraded++
		case pipeline.FrameError:
			sum.errors++
			logger.Warn("Analyze", "frame %d: %v", out.Number, out.Err)
		case pipeline.StreamError:
			streamErr = out.Err
		}
		logger.Debug("Analyze", "frame %d %s vehicles=%d iou=%.2f phase=%s",
			out.Number, out.Kind, out.VehicleCount, out.Verdict.IoU, out.Phase)
		if ev := out.Event; ev != nil {
			sum.accidents++
			logger.Info("Analyze", "Accident %s at frame %d: severity %d, %s",
				ev.ID, out.Number, ev.Severity, ev.Description())
		}
	}
	orch.WaitDispatch()

	logger.Info("Analyze", "%s: %d frames, %d degraded, %d frame errors, %d accidents",
		name, sum.frames, sum.degraded, sum.errors, sum.accidents)
	if streamErr != nil {
		return fmt.Errorf("%s: %w", name, streamErr)
	}
	return nil
}
