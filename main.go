// main.go is the entry point for chunkfs, launching either the metadata master or one
// chunk server based on command-line flags. Deployment settings come from the YAML
// configuration file and CHUNKFS_* environment variables; flags only pick the role.
//
// Usage:
//
//	go run main.go [-ServerType <type>] [-config <file>] [-index <n>] [-logLevel <level>] [-printConfig]
//
// Example:
//
//	# Run the master (and the admin gateway when gateway.enabled is set)
//	go run main.go -ServerType master_server -config chunkfs.yaml
//	# Run the second chunk server of the fleet
//	go run main.go -ServerType chunk_server -config chunkfs.yaml -index 1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	chunkserver "github.com/caleberi/chunkfs/chunkserver"
	"github.com/caleberi/chunkfs/config"
	failuredetector "github.com/caleberi/chunkfs/detector"
	"github.com/caleberi/chunkfs/gateway"
	masterserver "github.com/caleberi/chunkfs/master_server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	ChunkServer  string = "chunk_server"
	MasterServer string = "master_server"
)

type Flags struct {
	ServerType  string
	ConfigPath  string
	LogLevel    string
	Index       int
	PrintConfig bool
}

func parseFlags() (Flags, error) {
	serverType := flag.String("ServerType", MasterServer, "run as a particular server (master_server, chunk_server)")
	configPath := flag.String("config", "", "path to the YAML configuration file (default: ./chunkfs.yaml if present)")
	logLevel := flag.String("logLevel", "", "logging level overriding the configuration (debug, info, warn, error)")
	index := flag.Int("index", 0, "position of this chunk server in chunk_ports")
	printConfig := flag.Bool("printConfig", false, "print the effective configuration as YAML and exit")

	flag.Parse()

	switch *logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return Flags{}, fmt.Errorf("invalid log level: %s; must be debug, info, warn, or error", *logLevel)
	}

	if !slices.Contains([]string{ChunkServer, MasterServer}, *serverType) {
		return Flags{}, fmt.Errorf("server type %q not supported", *serverType)
	}

	return Flags{
		ServerType:  *serverType,
		ConfigPath:  *configPath,
		LogLevel:    *logLevel,
		Index:       *index,
		PrintConfig: *printConfig,
	}, nil
}

func setupLogger(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("unsupported log level: %s", level)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

func main() {
	flags, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}

	if flags.PrintConfig {
		if err := config.WriteDefault(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := setupLogger(cfg.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	switch flags.ServerType {
	case ChunkServer:
		runChunkServer(ctx, cancel, quit, cfg, flags.Index)
	default:
		runMaster(ctx, cancel, quit, cfg)
	}

	log.Info().Msg("Server shutdown complete")
}

func runChunkServer(ctx context.Context, cancel context.CancelFunc, quit <-chan os.Signal, cfg *config.Config, index int) {
	csCfg, err := chunkserver.ConfigFromSettings(cfg, index)
	if err != nil {
		log.Error().Err(err).Msg("Invalid chunk server index")
		os.Exit(1)
	}

	log.Info().Msgf("Starting ChunkServer %d on %s, storing chunks in %s (in-memory: %v)",
		index, csCfg.ServerAddress, csCfg.DataDir, csCfg.InMemory)
	server, err := chunkserver.NewChunkServer(ctx, csCfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create ChunkServer")
		os.Exit(1)
	}

	go func() {
		<-quit
		log.Info().Msg("Received shutdown signal, stopping ChunkServer...")
		if err := server.Shutdown(); err != nil {
			log.Err(err).Msg("Error shutting down ChunkServer")
		}
		cancel()
	}()
	<-ctx.Done()
}

func runMaster(ctx context.Context, cancel context.CancelFunc, quit <-chan os.Signal, cfg *config.Config) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	msCfg := masterserver.ConfigFromSettings(cfg)
	msCfg.Registry = reg

	if addr := cfg.Detector.RedisAddr; addr != "" {
		history, err := failuredetector.NewProbeHistory(
			"chunkfs:probes", cfg.Detector.WindowSize, cfg.Detector.SampleTTL, &redis.Options{Addr: addr})
		if err != nil {
			log.Warn().Err(err).Msgf("probe history disabled: cannot reach redis at %s", addr)
		} else {
			defer history.Close()
			msCfg.History = history
		}
	}

	log.Info().Msgf("Starting MasterServer on %s with operation log %s and %d chunk servers",
		msCfg.ServerAddress, msCfg.LogFile, len(msCfg.ChunkServers))
	server, err := masterserver.NewMasterServer(ctx, msCfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start MasterServer")
		os.Exit(1)
	}

	var admin *gateway.AdminGateway
	if cfg.Gateway.Enabled {
		gwCfg := gateway.DefaultGatewayConfig()
		gwCfg.ServerName = "Gateway"
		gwCfg.Address = cfg.GatewayAddr()
		gwCfg.Logger = log.Logger
		gwCfg.TlsDir = cfg.Gateway.TLSDir
		gwCfg.Registry = reg

		admin, err = gateway.NewAdminGateway(server, gwCfg)
		if err == nil {
			err = admin.Start()
		}
		if err != nil {
			log.Err(err).Msg("Error starting admin gateway")
			server.Shutdown()
			os.Exit(1)
		}
		log.Info().Msgf("Admin gateway listening on %s", admin.Addr())
	}

	go func() {
		<-quit
		log.Info().Msg("Received shutdown signal, stopping MasterServer...")
		if admin != nil {
			if err := admin.Shutdown(); err != nil {
				log.Err(err).Msg("Error shutting down admin gateway")
			}
		}
		server.Shutdown()
		cancel()
	}()
	<-ctx.Done()
}
