// main.go
// Application entry point: loads configuration, initializes logging, connects
// to NATS when available and serves the realtime dispatch socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erilali/dispatch/internal/api"
	"github.com/erilali/dispatch/internal/config"
	"github.com/erilali/dispatch/internal/hub"
	"github.com/erilali/dispatch/internal/logger"
	"github.com/erilali/dispatch/internal/metrics"
	"github.com/erilali/dispatch/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := os.Getenv("DISPATCH_CONFIG")
	if configPath == "" {
		configPath = "dispatch.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.Log)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"addr":        cfg.Addr,
		"ws_path":     cfg.WSPath,
		"level":       cfg.Log.Level,
		"log_to_file": cfg.Log.LogToFile,
	}).Info("Logger initialized with configuration")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	nc := connectNATS(cfg.NATSURL, serverLogger)

	var rl *relay.Relay
	var locations hub.LocationSink
	if nc != nil {
		rl = relay.New(nc, cfg.SubjectPrefix, nil, logger.NewLogger("relay"), m)
		locations = rl
	}

	h := hub.NewHub(hub.Options{
		SendBufferSize:       cfg.SendBufferSize,
		MaxMessageSize:       cfg.MaxMessageSize,
		InboundRatePerSecond: cfg.InboundRatePerSecond,
		InboundBurst:         cfg.InboundBurst,
		AllowedOrigins:       cfg.AllowedOrigins,
		Locations:            locations,
	}, logger.NewLogger("hub"), m)
	go h.Run()

	if rl != nil {
		rl.SetNotifier(h)
		if err := rl.Start(); err != nil {
			serverLogger.Errorf("Error starting NATS relay: %v", err)
			serverLogger.Warn("Running without relay. Producers must call the hub in-process.")
		}
	}

	var natsStatus api.NATSStatus
	if nc != nil {
		natsStatus = nc
	}
	server := api.New(cfg.Addr, cfg.WSPath, h, natsStatus, reg, logger.NewLogger("api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := server.Run(ctx, time.Duration(cfg.ShutdownTimeout))

	if rl != nil {
		rl.Stop()
	}
	h.Stop()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			serverLogger.Warnf("Error draining NATS connection: %v", err)
		}
	}

	if runErr != nil {
		serverLogger.Fatalf("Server error: %v", runErr)
	}
	serverLogger.Info("Server stopped")
}

// connectNATS returns nil when NATS is disabled or unreachable; the server then
// runs without the relay.
func connectNATS(url string, log *logger.Logger) *nats.Conn {
	if url == "" {
		log.Info("NATS disabled")
		return nil
	}
	log.Infof("Connecting to NATS at %s", url)
	nc, err := nats.Connect(url,
		nats.Name("dispatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Errorf("Error connecting to NATS: %v", err)
		log.Warn("Running without NATS connection. Relay and location publishing are disabled.")
		return nil
	}
	log.Info("Successfully connected to NATS")
	return nc
}
