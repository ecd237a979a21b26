package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ryogrid/funnelkvs/internal/api"
	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/internal/config"
	"github.com/ryogrid/funnelkvs/internal/dispatch"
	"github.com/ryogrid/funnelkvs/internal/transport"
	"github.com/ryogrid/funnelkvs/pkg"
)

func main() {
	host := flag.String("host", "127.0.0.1", "address to bind to")
	port := flag.Int("p", 0, "port to listen on (required)")
	join := flag.String("j", "", "host:port of an existing ring member to join; omit to create a new ring")
	threads := flag.Int("t", 8, "worker thread pool size")
	httpPort := flag.Int("http-port", 0, "admin HTTP API port (0 disables it)")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (json, console)")
	flag.Parse()

	if *port <= 0 {
		fmt.Fprintln(os.Stderr, "funnelkvs: -p PORT is required")
		flag.Usage()
		os.Exit(1)
	}

	logCfg := pkg.DefaultConfig()
	logCfg.Level = *logLevel
	logCfg.Format = *logFormat
	logger, err := pkg.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnelkvs: failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.WorkerThreads = *threads
	cfg.HTTPPort = *httpPort
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "funnelkvs: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	peerClient := transport.NewClient(cfg.ConnectTimeout, cfg.RPCTimeout, logger)

	node, err := chord.New(cfg, peerClient, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create node")
		os.Exit(1)
	}

	handler := dispatch.New(node, logger)
	server := transport.NewServer(handler, cfg.WorkerThreads, cfg.RPCTimeout, logger)
	if err := server.Listen(cfg.Address()); err != nil {
		logger.Error().Err(err).Msg("failed to start peer listener")
		os.Exit(1)
	}

	var adminServer *api.Server
	if cfg.HTTPPort > 0 {
		adminServer, err = api.NewServer(node, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create admin server")
			shutdown(node, server, adminServer, logger)
			os.Exit(1)
		}
		if err := adminServer.Start(cfg.HTTPPort); err != nil {
			logger.Error().Err(err).Msg("failed to start admin server")
			shutdown(node, server, adminServer, logger)
			os.Exit(1)
		}
	}

	if *join == "" {
		node.Create()
		logger.Info().Str("addr", cfg.Address()).Msg("created new ring")
	} else {
		seed, err := chord.ParseNodeRef(*join)
		if err != nil {
			logger.Error().Err(err).Str("join", *join).Msg("malformed join address")
			shutdown(node, server, adminServer, logger)
			os.Exit(1)
		}
		if err := node.Join(context.Background(), seed); err != nil {
			logger.Error().Err(err).Msg("failed to join ring")
			shutdown(node, server, adminServer, logger)
			os.Exit(1)
		}
		logger.Info().Str("seed", seed.Address()).Msg("joined existing ring")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdown(node, server, adminServer, logger)
	logger.Info().Msg("shutdown complete")
}

func shutdown(node *chord.Node, server *transport.Server, adminServer *api.Server, logger *pkg.Logger) {
	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("error stopping admin server")
		}
	}
	if err := server.Close(); err != nil {
		logger.Error().Err(err).Msg("error stopping peer listener")
	}
	if err := node.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("error shutting down node")
	}
}
