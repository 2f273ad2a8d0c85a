// AgentSet server — hosts mission agents, exposes the HTTP API, and
// coordinates delegation, conflicts and lifecycle across peer sets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagecraft/agentset/pkg/api"
	"github.com/stagecraft/agentset/pkg/bus"
	"github.com/stagecraft/agentset/pkg/cleanup"
	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/config"
	"github.com/stagecraft/agentset/pkg/metrics"
	"github.com/stagecraft/agentset/pkg/persistence"
	"github.com/stagecraft/agentset/pkg/set"
	"github.com/stagecraft/agentset/pkg/version"
)

const componentID = "AgentSet"

func main() {
	envPath := flag.String("env-file", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("Starting AgentSet",
		"version", version.Full(),
		"url", cfg.URL(),
		"max_agents", cfg.MaxAgents)

	ctx := context.Background()

	// Service-to-service auth. Nil token source means unauthenticated
	// local/dev calls; collaborator clients tolerate that.
	var tokens clients.TokenSource
	if cfg.SecurityManagerURL != "" {
		tokens = clients.NewServiceTokenSource(cfg.SecurityManagerURL, componentID, cfg.ClientSecret)
	}
	var verifier api.TokenVerifier
	if cfg.SecurityManagerURL != "" {
		verifier = clients.NewTokenVerifier(cfg.SecurityManagerURL)
	}

	// Collaborator clients.
	store := persistence.NewClient(cfg.LibrarianURL, tokens)
	brain := clients.NewBrainClient(cfg.BrainURL, tokens)
	capabilities := clients.NewCapabilitiesClient(cfg.CapabilitiesURL, tokens)
	traffic := clients.NewTrafficManagerClient(cfg.TrafficManagerURL, tokens)
	missionControl := clients.NewMissionControlClient(cfg.MissionControlURL, tokens)

	// Message bus. Optional: without RabbitMQ the delegation handshake
	// falls back to synchronous HTTP.
	var messageBus *bus.MessageBus
	var setBus set.Bus
	if cfg.RabbitMQURL != "" {
		messageBus = bus.New(cfg.RabbitMQURL)
		if err := messageBus.Start(); err != nil {
			slog.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer messageBus.Stop()
		setBus = messageBus
		slog.Info("Connected to RabbitMQ")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	supervisor := set.New(set.Options{
		URL:                cfg.URL(),
		MaxAgents:          cfg.MaxAgents,
		CheckpointInterval: cfg.CheckpointInterval,
		HealthInterval:     cfg.HealthInterval,
		SweepInterval:      cfg.SweepInterval,
		DelegationTimeout:  cfg.DelegationTimeout,
	}, set.Deps{
		Brain:          brain,
		Capabilities:   capabilities,
		MissionControl: missionControl,
		Traffic:        traffic,
		Store:          store,
		Bus:            setBus,
		Tokens:         tokens,
		Metrics:        m,
		Logger:         logger,
	})
	if err := supervisor.Start(); err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		os.Exit(1)
	}
	defer supervisor.Stop()

	// Background repair of steps stuck waiting on user input.
	repair := cleanup.NewService(cfg.SweepInterval, supervisor)
	repair.Start(ctx)
	defer repair.Stop()

	server := api.NewServer(supervisor, verifier, promhttp.Handler(), logger)
	httpServer := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// Register with the PostOffice so peers and mission control can find us.
	if cfg.PostOfficeURL != "" {
		go func() {
			postOffice := clients.NewPostOfficeClient(cfg.PostOfficeURL, tokens)
			err := postOffice.Register(ctx, clients.Registration{
				ID:   componentID + "-" + cfg.URL(),
				Type: componentID,
				URL:  cfg.URL(),
			})
			if err != nil {
				slog.Error("PostOffice registration failed", "error", err)
				return
			}
			server.SetRegisteredWithPostOffice(true)
			slog.Info("Registered with PostOffice")
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Checkpoint hosted agents before the engines go down so a replacement
	// set can adopt them.
	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	supervisor.Drain(drainCtx)
	drainCancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
