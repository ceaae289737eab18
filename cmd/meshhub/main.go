package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/meshhub/internal/config"
	"github.com/ocx/meshhub/internal/meshchannel"
)

func main() {
	configPath := flag.String("config", "mesh.yaml", "path to the Hub's YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	channel, err := meshchannel.New(cfg)
	if err != nil {
		log.Fatalf("construct mesh channel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Start(ctx); err != nil {
		log.Fatalf("start mesh channel: %v", err)
	}
	slog.Info("meshhub started", "node_id", cfg.NodeID, "tcp_port", cfg.Transport.TCPPort, "udp_port", cfg.Discovery.UDPPort)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = channel.Metrics.StartServer(cfg.Metrics.Addr)
		slog.Info("meshhub metrics listening", "addr", cfg.Metrics.Addr)
	}

	var agentSrv *http.Server
	if cfg.AgentSink.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/agent", channel.AgentSink.HandleWebSocket)
		agentSrv = &http.Server{Addr: cfg.AgentSink.Addr, Handler: mux}
		go func() {
			if err := agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("meshhub: agent sink server stopped", "error", err)
			}
		}()
		slog.Info("meshhub agent sink listening", "addr", cfg.AgentSink.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("meshhub received shutdown signal, shutting down gracefully")
	cancel()
	channel.Stop()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if metricsSrv != nil {
		if err := meshshutdown(metricsSrv, shutdownTimeout); err != nil {
			slog.Warn("meshhub: metrics server shutdown error", "error", err)
		}
	}
	if agentSrv != nil {
		if err := meshshutdown(agentSrv, shutdownTimeout); err != nil {
			slog.Warn("meshhub: agent sink server shutdown error", "error", err)
		}
	}

	slog.Info("meshhub stopped")
}

func meshshutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
