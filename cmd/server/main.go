package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/egg-collector/internal/bus"
	"github.com/wfunc/egg-collector/internal/config"
	"github.com/wfunc/egg-collector/internal/control"
	"github.com/wfunc/egg-collector/internal/httpapi"
	"github.com/wfunc/egg-collector/internal/link"
	"github.com/wfunc/egg-collector/internal/logger"
	"github.com/wfunc/egg-collector/internal/protocol"
	"github.com/wfunc/egg-collector/internal/scheduler"
	"github.com/wfunc/egg-collector/internal/telemetry"
	"github.com/wfunc/egg-collector/internal/vision"
)

var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server owns every long-lived component of the controller process:
// the bus, scheduler, the two peer links, the control engine, and the
// optional debug HTTP and telemetry surfaces.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	bus       *bus.Bus
	sched     *scheduler.Scheduler
	actorLink *link.Link
	armLink   *link.Link
	engine    *control.Engine
	api       *httpapi.Server
	telemetry *telemetry.Publisher

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		showVersion = flag.Bool("version", false, "print version and exit")
		showHelp    = flag.Bool("help", false, "print usage and exit")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("config load failed: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("logger init failed: %v\n", err)
		os.Exit(1)
	}

	setupSystem(&cfg.System)
	printStartInfo(cfg)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("server failed to start", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("server shutdown did not complete cleanly", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// NewServer wires the bus, scheduler, links and control engine from
// cfg, but starts nothing — callers must call Start.
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	b := bus.New(cfg.Control.BusCapacity, cfg.Control.BusBackpressure)
	sched := scheduler.New(scheduler.SystemClock{}, b)

	onReply := func(r protocol.PeerReply) {
		b.Publish(bus.Event{Kind: bus.KindPeerReply, Payload: r, Timestamp: time.Now()})
	}
	actorLink := link.New(protocol.PeerActor, cfg.Serial.Actor, nil, onReply)
	armLink := link.New(protocol.PeerArm, cfg.Serial.Arm, nil, onReply)

	// DefaultParams is deliberately not used here: the pure Machine's
	// thresholds come from the loaded config, not its own fallbacks.
	params := control.Params{
		CenterBand:     vision.CenterBand{Low: cfg.Control.CenterBandLow, High: cfg.Control.CenterBandHigh},
		ObstacleNearCM: uint(cfg.Control.ObstacleNearCM),
		ResendLimit:    cfg.Control.CommandResendLimit,
	}
	ackTimeout := cfg.Serial.Actor.AckTimeout
	if cfg.Serial.Arm.AckTimeout > ackTimeout {
		ackTimeout = cfg.Serial.Arm.AckTimeout
	}
	engine := control.NewEngine(b, sched, control.Links{Actor: actorLink, Arm: armLink}, params, cfg.Control, ackTimeout)

	return &Server{
		cfg:       cfg,
		log:       logger.GetLogger(),
		bus:       b,
		sched:     sched,
		actorLink: actorLink,
		armLink:   armLink,
		engine:    engine,
		ctx:       ctx,
		cancel:    cancel,
		runDone:   make(chan struct{}),
	}
}

// Start brings both serial links up and launches the control engine's
// event loop in the background, plus the optional debug HTTP and MQTT
// telemetry surfaces.
func (s *Server) Start() error {
	s.log.Info("starting egg-collector controller",
		zap.String("version", Version))

	if s.cfg.Serial.Actor.Enabled {
		s.actorLink.Start()
	}
	if s.cfg.Serial.Arm.Enabled {
		s.armLink.Start()
	}

	go func() {
		defer close(s.runDone)
		s.engine.Run(s.ctx)
	}()

	if s.cfg.Monitor.Enabled {
		s.api = httpapi.New(s.cfg.Server, s.engine)
		s.api.Run()
	}

	if s.cfg.MQTT.Enabled {
		pub, err := telemetry.NewPublisher(s.cfg.MQTT)
		if err != nil {
			s.log.Warn("mqtt telemetry disabled: connect failed", zap.Error(err))
		} else {
			s.telemetry = pub
		}
	}

	config.Watch(func(newCfg *config.Config) {
		s.log.Info("config changed, reloading")
		s.reloadConfig(newCfg)
	})

	s.log.Info("controller started")
	return nil
}

// reloadConfig re-applies the log level live. Every other setting,
// including timer periods, center-band fractions and serial device
// paths, takes effect only at the next start.
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfg = newCfg
	if newCfg.Log.Level != "" {
		logger.SetLevel(newCfg.Log.Level)
	}
}

// WaitForShutdown blocks until SIGINT, SIGTERM or SIGQUIT arrives.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	s.log.Info("received shutdown signal", zap.String("signal", sig.String()))
}

// Shutdown runs the cooperative sequence: a Shutdown event drains the
// bus, disables every timer, and closes both links, bounded by the
// configured timeout.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.bus.Publish(bus.Event{Kind: bus.KindShutdown, Timestamp: time.Now()})
	s.cancel()

	select {
	case <-s.runDone:
	case <-shutdownCtx.Done():
		s.log.Warn("control engine did not stop within shutdown timeout")
	}

	if s.api != nil {
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("debug http server shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		s.telemetry.Close()
	}

	return logger.Sync()
}

func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
}

func printVersion() {
	fmt.Printf("egg-collector controller\n")
	fmt.Printf("version: %s\n", Version)
	fmt.Printf("build time: %s\n", BuildTime)
	fmt.Printf("git commit: %s\n", GitCommit)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp() {
	fmt.Println("egg-collector controller")
	fmt.Println()
	fmt.Println("usage:")
	fmt.Println("  egg-collector-server [flags]")
	fmt.Println()
	fmt.Println("flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("environment:")
	fmt.Println("  EGGBOT_* overrides any config.yaml key, e.g. EGGBOT_SERIAL_ACTOR_PORT")
}

func printStartInfo(cfg *config.Config) {
	fmt.Printf("egg-collector controller %s (pid %d)\n", Version, os.Getpid())
	fmt.Printf("actor port: %s   arm port: %s\n", cfg.Serial.Actor.Port, cfg.Serial.Arm.Port)
}
