package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fosrl/tunnelctl/api"
	"github.com/fosrl/tunnelctl/dns"
	"github.com/fosrl/tunnelctl/firewall"
	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/metrics"
	"github.com/fosrl/tunnelctl/relay"
	"github.com/fosrl/tunnelctl/route"
	"github.com/fosrl/tunnelctl/tunnel"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

const tunnelctlVersion = "version_replaceme"

func main() {
	// Create a context that will be cancelled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logger.Fatal("tunnelctl: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	// Priority: CLI args > Env vars > Config file > Defaults
	config, showVersion, showConfig, listProfiles, err := LoadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	switch {
	case showVersion:
		fmt.Println("tunnelctl version " + tunnelctlVersion)
		return nil
	case listProfiles:
		return ShowProfiles()
	case showConfig:
		config.ShowConfig()
		return nil
	}

	logFile, err := setupLogger(config)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("tunnelctl version %s", tunnelctlVersion)

	key, generated, err := config.Key()
	if err != nil {
		return err
	}
	if generated {
		if err := SaveConfig(config); err != nil {
			logger.Error("Failed to save generated private key: %v", err)
		} else {
			logger.Info("Generated a new private key with public key %s", key.PublicKey())
		}
	}

	settings, err := config.Settings()
	if err != nil {
		return err
	}
	source, err := config.RelaySource()
	if err != nil {
		return err
	}
	rounds := config.RelayRounds
	if rounds < 1 {
		rounds = 1
	}
	generator := relay.NewGenerator(source, key, uint32(rounds))
	tunnelConfig, err := config.TunnelConfig()
	if err != nil {
		return err
	}
	provider := tunnel.NewProvider(tunnelConfig)

	m := metrics.New()
	status := api.NewStatus(tunnelctlVersion)
	status.SetAllowLAN(settings.AllowLAN)
	status.SetBlockWhenDisconnected(settings.BlockWhenDisconnected)
	status.SetCustomDNS(settings.CustomDNS)

	// The machine may publish its first transition before Spawn returns, so
	// the API exists first and gets the sender afterwards.
	var apiServer *api.API
	if config.HTTPAddr != "" {
		apiServer = api.NewAPI(config.HTTPAddr, nil, status)
	} else {
		apiServer = api.NewAPISocket(config.SocketPath, nil, status)
	}
	if config.EnableMetrics {
		apiServer.SetMetricsHandler(m.Handler())
	}
	listener := func(tr tunnelstate.TunnelStateTransition) error {
		m.Observe(tr)
		apiServer.Publish(tr)
		return nil
	}

	machineDone := make(chan struct{})
	sender, err := tunnelstate.Spawn(settings, collaborators(), generator, provider, listener, machineDone)
	if err != nil {
		return fmt.Errorf("failed to start tunnel state machine: %w", err)
	}
	apiServer.SetCommandSender(sender)

	if err := apiServer.Start(); err != nil {
		sender.Close()
		<-machineDone
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer apiServer.Stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watchConnectivity(watchCtx, sender, status)

	if err := sender.Send(tunnelstate.Connect{}); err != nil {
		logger.Error("Failed to request connect: %v", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, cleaning up...")
	case <-apiServer.GetShutdownChannel():
		logger.Info("Shutdown requested over the API, cleaning up...")
	case <-machineDone:
		logger.Warn("Tunnel state machine stopped unexpectedly")
	}

	cancelWatch()
	sender.Close()
	<-machineDone
	logger.Info("Shutdown complete")
	return nil
}

// setupLogger applies the configured level and, when a log directory is
// set, tees output into tunnelctl.log there.
func setupLogger(config *TunnelctlConfig) (*os.File, error) {
	var out io.Writer = os.Stdout
	var logFile *os.File
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(config.LogDir, "tunnelctl.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
	}
	l := logger.Init(out)
	l.SetOutput(out)
	l.SetLevel(logger.ParseLogLevel(config.LogLevel))
	return logFile, nil
}

func collaborators() tunnelstate.Collaborators {
	return tunnelstate.Collaborators{
		NewFirewall: func() (tunnelstate.Firewall, error) {
			fw, err := firewall.New(firewall.DefaultTable)
			if err != nil {
				return nil, err
			}
			return fw, nil
		},
		NewDNSMonitor: func() (tunnelstate.DNSMonitor, error) {
			monitor, err := dns.NewMonitor()
			if err != nil {
				return nil, err
			}
			return monitor, nil
		},
		NewRouteManager: func() (tunnelstate.RouteManager, error) {
			manager, err := route.New()
			if err != nil {
				return nil, err
			}
			return manager, nil
		},
	}
}

// watchConnectivity feeds host connectivity changes into the machine.
func watchConnectivity(ctx context.Context, sender *tunnelstate.CommandSender, status *api.Status) {
	err := route.WatchDefaultRoute(ctx, func(offline bool) {
		if err := sender.Send(tunnelstate.IsOffline{Offline: offline}); err != nil {
			logger.Debug("Dropping connectivity change: %v", err)
			return
		}
		status.SetOffline(offline)
	})
	if err != nil {
		logger.Warn("Connectivity watcher stopped: %v", err)
	}
}
