package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/signalsfoundry/emane-bridge/internal/config"
	"github.com/signalsfoundry/emane-bridge/internal/emane"
	"github.com/signalsfoundry/emane-bridge/internal/journal"
	"github.com/signalsfoundry/emane-bridge/internal/lockstep"
	"github.com/signalsfoundry/emane-bridge/internal/logging"
	"github.com/signalsfoundry/emane-bridge/internal/observability"
	"github.com/signalsfoundry/emane-bridge/internal/shm"
	"github.com/signalsfoundry/emane-bridge/timectrl"
)

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run starts the bridge and blocks until ctx is cancelled or a fatal error
// occurs. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("emane-bridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := config.ParseConfig(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if cfg.ShowVersion {
		fmt.Fprintln(stdout, config.Version)
		return exitOK
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	level, err := logging.LevelFromVerbosity(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	out := stdout
	if cfg.LogFile != "" {
		f, err := logging.OpenFile(cfg.LogFile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitFatal
		}
		defer f.Close()
		out = f
	}
	log := logging.New(logging.Config{Level: level, Format: cfg.LogFormat, Output: out})

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.Error(ctx, "failed to write pid file", logging.String("path", cfg.PIDFile), logging.Err(err))
			return exitFatal
		}
	}

	// SIGCONT only wakes the process; the handshake needs no action on it.
	cont := make(chan os.Signal, 1)
	signal.Notify(cont, syscall.SIGCONT)
	defer signal.Stop(cont)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cont:
				log.Debug(ctx, "received SIGCONT")
			}
		}
	}()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return exitFatal
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewBridgeCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return exitFatal
	}
	if srv := observability.ServeMetrics(cfg.MetricsAddr, collector, func(err error) {
		log.Warn(context.Background(), "metrics server exited", logging.Err(err))
	}); srv != nil {
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := []lockstep.Option{
		lockstep.WithLogger(log),
		lockstep.WithObserver(collector),
		lockstep.WithStateListener(collector),
	}

	if cfg.HealthAddr != "" {
		health := observability.NewHealthServer(log, collector)
		addr, err := health.Listen(cfg.HealthAddr)
		if err != nil {
			log.Error(ctx, "failed to start health server", logging.Err(err))
			return exitFatal
		}
		defer health.Stop()
		log.Info(ctx, "serving gRPC health", logging.String("addr", addr.String()))
		opts = append(opts, lockstep.WithStateListener(health))
	}

	ch, err := emane.OpenChannel(emane.ChannelConfig{
		Group:        cfg.EventGroup,
		Device:       cfg.EventDevice,
		TTL:          cfg.EventTTL,
		WriteTimeout: time.Second,
	})
	if err != nil {
		log.Error(ctx, "can not find the event channel, is the emulator running?", logging.Err(err))
		return exitFatal
	}
	defer ch.Close()
	log.Info(ctx, "event channel open", logging.String("destination", ch.Destination()))

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Error(ctx, "failed to open journal", logging.String("path", cfg.JournalPath), logging.Err(err))
			return exitFatal
		}
		defer j.Close()
		opts = append(opts, lockstep.WithRecorder(j))
	}

	barrier, err := lockstep.ParseBarrier(cfg.Barrier)
	if err != nil {
		log.Error(ctx, "invalid barrier mode", logging.Err(err))
		return exitUsage
	}

	client := shm.NewClient(cfg.SHMDir,
		shm.WithAttachTimeout(cfg.AttachTimeout),
		shm.WithLogger(log),
	)
	publisher := emane.NewPublisher(ch,
		emane.WithPublisherLogger(log),
		emane.WithPublishRecorder(collector),
	)
	ctrl, err := lockstep.New(lockstep.Config{
		MetaSegment:     cfg.MetaSegment,
		PoseSegment:     cfg.PoseSegment,
		Layout:          cfg.RecordLayout(),
		AttachInterval:  cfg.AttachInterval,
		PollInterval:    cfg.PollInterval,
		Barrier:         barrier,
		IDBase:          uint16(cfg.IDBase),
		TornReadRetries: cfg.TornReadRetries,
	}, lockstep.Deps{
		Attacher:  lockstep.NewSHMAttacher(client),
		Signaller: lockstep.ProcessSignaller{},
		Publisher: publisher,
		Clock:     timectrl.RealClock{},
	}, opts...)
	if err != nil {
		log.Error(ctx, "failed to build controller", logging.Err(err))
		return exitFatal
	}

	log.Info(ctx, "starting emane bridge",
		logging.String("version", config.Version),
		logging.String("shm_dir", cfg.SHMDir),
		logging.String("layout", cfg.Layout),
		logging.String("barrier", barrier.String()),
		logging.Duration("poll_interval", cfg.PollInterval),
		logging.String("event_source", publisher.Source().String()),
	)
	if err := ctrl.Run(ctx); err != nil {
		log.Error(ctx, "bridge stopped", logging.Err(err))
		return exitFatal
	}
	log.Info(context.Background(), "bridge terminated", logging.Any("iterations", ctrl.Iterations()))
	return exitOK
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
