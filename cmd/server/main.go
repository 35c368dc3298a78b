package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/config"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
	"github.com/rakshak-ai/accident-monitor/internal/source"
	"github.com/rakshak-ai/accident-monitor/internal/store"
	"github.com/rakshak-ai/accident-monitor/internal/webmonitor"
	"github.com/rakshak-ai/accident-monitor/internal/webrtc"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, pprofAddr string
	var v *viper.Viper

	root := &cobra.Command{
		Use:           "server",
		Short:         "Road accident monitor: live video, collision detection and alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			v, err = config.NewViper()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			for key, flag := range map[string]string{
				"http.addr": "http",
				"log.level": "log-level",
				"log.color": "log-color",
			} {
				if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, pprofAddr)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.String("http", ":5000", "HTTP server address")
	pf.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	pf.Bool("log-color", true, "Enable colored log output")
	root.Flags().StringVar(&pprofAddr, "pprof", "", "pprof server address (disabled when empty)")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return root
}

func run(ctx context.Context, cfg config.Config, pprofAddr string) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	defer logger.Sync()

	logger.Info("Main", "Accident monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.Source.UploadDir, 0755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}
	if cfg.Recorder.Dir != "" {
		if err := os.MkdirAll(cfg.Recorder.Dir, 0755); err != nil {
			return fmt.Errorf("create recordings directory: %w", err)
		}
	}

	m := metrics.New()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open accident store: %w", err)
	}
	defer db.Close()

	dispatcher := alert.NewDispatcher(m,
		alert.NewLogbook(db, cfg.Alert.Site),
		alert.NewSMS(cfg.Alert.SMS),
		alert.NewSiren(cfg.Alert.Siren),
	)
	logger.Info("Main", "Alert channels: %v (sms configured=%v, siren enabled=%v)",
		dispatcher.Channels(), cfg.Alert.SMS.Configured(), cfg.Alert.Siren.Enabled)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Detector.Timeout)
	capability := detector.Connect(probeCtx, cfg.Detector)
	cancel()
	logger.Info("Main", "Detector: %s", capability)

	var rtc *webrtc.Server
	if cfg.WebRTC.MaxClients > 0 {
		rtc = webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients, m)
		defer rtc.Close()
	}

	monitorCfg := webmonitor.DefaultConfig()
	monitorCfg.Addr = cfg.HTTP.Addr
	monitorCfg.AssetsDir = cfg.HTTP.AssetsDir
	monitorCfg.UploadDir = cfg.Source.UploadDir
	monitorCfg.MaxUploadBytes = cfg.HTTP.MaxUploadMB << 20
	monitorCfg.StatusInterval = cfg.HTTP.StatusInterval
	monitorCfg.CORSOrigins = cfg.HTTP.CORSOrigins
	monitorCfg.RecordingDir = cfg.Recorder.Dir
	monitorCfg.ClipDuration = cfg.Recorder.ClipDuration

	srv, err := webmonitor.NewServer(webmonitor.Options{
		Config:     monitorCfg,
		Pipeline:   cfg.Pipeline,
		Opener:     source.NewOpener(cfg.Source),
		Capability: capability,
		Notifier:   dispatcher,
		Annotator:  annotate.New(cfg.Annotate),
		Store:      db,
		WebRTC:     rtc,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              monitorCfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Main", "Listening on %s", monitorCfg.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = srv.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Streams stay open until their pipelines end, so stop those first.
	closeErr := srv.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
	return closeErr
}
