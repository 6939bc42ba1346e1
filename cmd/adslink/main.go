// adslink - ADS gateway
//
// Polls Beckhoff ADS devices over serial or TCP and republishes tag values
// via MQTT, Valkey, Kafka and a REST API.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"adslink/ads"
	"adslink/api"
	"adslink/config"
	"adslink/kafka"
	"adslink/logging"
	"adslink/metrics"
	"adslink/mqtt"
	"adslink/plcman"
	"adslink/tui"
	"adslink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.StringP("config", "c", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.IntP("port", "p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	logDebug    = flag.String("log-debug", "", "Write a protocol trace to debug.log, optionally filtered (e.g. ads,mqtt)")
	hashPass    = flag.String("hash-password", "", "Print the bcrypt hash of a password for web.users and exit")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	tuiMode     = flag.Bool("tui", false, "Show live PLC status instead of console logs (log.file still written)")

	// One-shot mode
	plcName  = flag.String("plc", "", "PLC for --read/--write (default: first configured)")
	readAddr = flag.String("read", "", "Read ADDRESS once and exit")
	readSize = flag.Uint32("size", 4, "Byte count for --read")
	writeTo  = flag.String("write", "", "Write --data to ADDRESS once and exit")
	data     = flag.String("data", "", "Hex bytes for --write")
)

func main() {
	os.Exit(realMain())
}

// realMain runs the command and returns its exit code.
func realMain() int {
	flag.Lookup("log-debug").NoOptDefVal = "all"
	flag.Parse()

	if *showVersion {
		fmt.Printf("adslink %s\n", Version)
		return 0
	}

	if *hashPass != "" {
		hash, err := api.HashPassword(*hashPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			return 1
		}
		fmt.Println(hash)
		return 0
	}

	if *listPorts {
		ports, err := ads.SerialPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing serial ports: %v\n", err)
			return 1
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.API.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	logOpts := logging.Options{
		App:   "adslink",
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
		JSON:  cfg.Log.JSON,
	}
	if *tuiMode {
		logOpts.Out = io.Discard
	}
	logger, closer, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	if dl := setupDebugLog(cfg, logger); dl != nil {
		defer dl.Close()
	}

	manager := plcman.NewManager(cfg.PollRate, plcman.WithLogger(logger))
	if err := manager.LoadFromConfig(cfg); err != nil {
		logger.Error().Err(err).Msg("load PLCs")
		return 1
	}

	if *readAddr != "" || *writeTo != "" {
		return oneShot(cfg, manager)
	}

	if err := run(cfg, manager, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setupDebugLog installs the protocol trace when requested by flag or config.
func setupDebugLog(cfg *config.Config, logger zerolog.Logger) *logging.DebugLogger {
	path := cfg.Log.DebugFile
	filter := cfg.Log.DebugFilter
	if *logDebug != "" {
		if path == "" {
			path = "debug.log"
		}
		filter = *logDebug
	}
	if path == "" {
		return nil
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}

	dl, err := logging.NewDebugLogger(path)
	if err != nil {
		logger.Warn().Err(err).Msg("debug log disabled")
		return nil
	}
	dl.SetFilter(filter)
	logging.SetGlobalDebugLogger(dl)
	logger.Info().Str("file", path).Str("filter", filter).Msg("protocol debug log enabled")
	return dl
}

// oneShot performs a single read or write and returns the exit code.
func oneShot(cfg *config.Config, manager *plcman.Manager) int {
	name := *plcName
	if name == "" {
		if len(cfg.PLCs) == 0 {
			fmt.Fprintln(os.Stderr, "No PLCs configured")
			return 1
		}
		name = cfg.PLCs[0].Name
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.ConnectWait(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "Connect %s: %v\n", name, err)
		return 1
	}
	defer manager.DisconnectAll()

	if *writeTo != "" {
		payload, err := hex.DecodeString(*data)
		if err != nil || len(payload) == 0 {
			fmt.Fprintln(os.Stderr, "--data must be non-empty hex")
			return 2
		}
		if err := manager.Write(ctx, name, *writeTo, payload); err != nil {
			fmt.Fprintf(os.Stderr, "Write %s: %v\n", *writeTo, err)
			return 1
		}
		fmt.Printf("%s %s <- %s\n", name, *writeTo, hex.EncodeToString(payload))
	}

	if *readAddr != "" {
		value, err := manager.Read(ctx, name, *readAddr, *readSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read %s: %v\n", *readAddr, err)
			return 1
		}
		fmt.Printf("%s %s = %s\n", name, *readAddr, hex.EncodeToString(value))
	}
	return 0
}

// run is the gateway mode: poll, republish and serve until interrupted, or
// until the status view is closed with --tui.
func run(cfg *config.Config, manager *plcman.Manager, logger zerolog.Logger) error {
	plcNames := make([]string, len(cfg.PLCs))
	for i, plc := range cfg.PLCs {
		plcNames[i] = plc.Name
	}

	var publishers []*mqtt.Publisher
	for i := range cfg.MQTT {
		mc := &cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		pub := mqtt.NewPublisher(mc, cfg.Namespace)
		pub.SetWriteHandler(manager.WriteTag)
		pub.SetPLCNames(plcNames)
		if err := pub.Start(); err != nil {
			logger.Warn().Err(err).Str("broker", pub.Address()).Msg("mqtt publisher not started")
		} else {
			logger.Info().Str("broker", pub.Address()).Str("topic", pub.RootTopic()).Msg("mqtt publisher started")
		}
		manager.AddSink(pub)
		publishers = append(publishers, pub)
	}

	valkeyMgr := valkey.NewManager(cfg.Namespace)
	valkeyMgr.LoadFromConfig(cfg.Valkey)
	valkeyMgr.SetWriteHandler(manager.WriteTag)
	if n := valkeyMgr.StartAll(); n > 0 {
		logger.Info().Int("servers", n).Msg("valkey publishers started")
	}
	manager.AddSink(valkeyMgr)

	kafkaMgr := kafka.NewManager(cfg.Namespace)
	kafkaMgr.LoadFromConfig(cfg.Kafka)
	kafkaMgr.SetWriteHandler(manager.WriteTag)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if n := kafkaMgr.ConnectEnabled(ctx); n > 0 {
		logger.Info().Int("clusters", n).Msg("kafka producers connected")
	}
	cancel()
	manager.AddSink(kafkaMgr)

	events := api.NewEventHub()
	events.SetSnapshot(manager.GetAllCurrentValues)
	manager.AddSink(events)

	manager.Start()

	var server *api.Server
	if cfg.Web.Enabled {
		server = api.NewServer(manager, &cfg.Web,
			api.WithLogger(logger.With().Str("component", "api").Logger()),
			api.WithMetrics(metrics.New(manager)),
			api.WithEvents(events))
		if err := server.Start(); err != nil {
			logger.Warn().Err(err).Msg("continuing without HTTP server")
			server = nil
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var viewErr error
	if *tuiMode {
		viewErr = tui.Run(sigCtx, manager)
	} else {
		<-sigCtx.Done()
	}
	logger.Info().Msg("shutting down")

	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Warn().Err(err).Msg("http server stop")
		}
	}
	manager.Stop()
	manager.DisconnectAll()
	for _, pub := range publishers {
		pub.Stop()
	}
	valkeyMgr.StopAll()
	kafkaMgr.StopAll()
	return viewErr
}
