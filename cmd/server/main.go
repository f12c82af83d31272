package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emucast/backend/internal/adb"
	"github.com/emucast/backend/internal/config"
	"github.com/emucast/backend/internal/dispatch"
	"github.com/emucast/backend/internal/emulator"
	"github.com/emucast/backend/internal/httpapi"
	"github.com/emucast/backend/internal/registry"
	"github.com/emucast/backend/internal/stream"
)

const actionTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	}
	log := logrus.WithField("component", "server")

	tools := adb.FindTools(cfg.Emulator.ADBPath, cfg.Emulator.EmulatorPath)
	if tools.ADB == "" {
		log.Warn("adb not found on PATH or in $ANDROID_SDK_ROOT; device commands will fail")
	}
	if tools.Emulator == "" {
		log.Warn("emulator not found on PATH or in $ANDROID_SDK_ROOT; launches will fail")
	}
	client := adb.NewClient(tools)

	probe := &emulator.Probe{
		Device:       client,
		Interval:     cfg.Emulator.ProbeInterval,
		BootTimeout:  cfg.Emulator.BootTimeout,
		VideoTimeout: cfg.Emulator.VideoTimeout,
		Log:          logrus.WithField("component", "probe"),
	}

	launcher := registry.LauncherFunc(func(lc emulator.LaunchConfig) (registry.Handle, error) {
		h, err := emulator.Launch(lc, emulator.Options{
			EmulatorPath: tools.Emulator,
			Killer:       client.EmuKill,
			KillGrace:    cfg.Emulator.KillGrace,
			CrashWindow:  cfg.Emulator.StartupCrashWindow,
			Log:          logrus.WithField("component", "emulator"),
		})
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	streamOpts := stream.Options{
		Interval:         cfg.FrameInterval(),
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		CaptureTimeout:   cfg.Stream.CaptureTimeout,
		MaxRetries:       cfg.Stream.MaxCaptureRetries,
		Log:              logrus.WithField("component", "stream"),
	}

	// The launch sequence needs to survive both readiness phases plus the
	// crash window before giving up.
	readyBudget := cfg.Emulator.BootTimeout + cfg.Emulator.VideoTimeout + cfg.Emulator.StartupCrashWindow

	reg := registry.New(cfg.Registry, streamOpts, launcher, probe, client, readyBudget,
		logrus.WithField("component", "registry"))
	disp := dispatch.New(reg, client, actionTimeout, logrus.WithField("component", "dispatch"))
	mux := stream.NewMultiplexer(reg, logrus.WithField("component", "mux"))
	api := httpapi.NewServer(cfg.Server, reg, disp, mux, tools, logrus.WithField("component", "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartSweeper(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Routes(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		reg.Shutdown(shutdownCtx)
	}()

	log.Infof("Server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
	log.Info("Server stopped")
}
