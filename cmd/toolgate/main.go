package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"github.com/prometheus/common/promslog"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/credential"
	"github.com/okyeame/toolgate/pkg/dispatch"
	"github.com/okyeame/toolgate/pkg/gateway"
	"github.com/okyeame/toolgate/pkg/registry"
	"github.com/okyeame/toolgate/pkg/session"
	"github.com/okyeame/toolgate/pkg/transport"
)

const (
	defaultListen         = ":7800"
	defaultCredentialFile = "credentials.json"
)

func main() {
	var configPath = flag.String("config", "toolgate.toml", "Path to the toolgate configuration file")
	var listen = flag.String("listen", "", "Listen address for the gateway (e.g., :7800, 127.0.0.1:7800); overrides the config file")
	var logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	configureLogging(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	credFile := cfg.CredentialFile
	if credFile == "" {
		credFile = defaultCredentialFile
	}
	store, err := credential.NewStore(credential.NewFile(credFile), cfg.CredentialProviders, cfg.Credentials.Skew.Std(config.DefaultSkew))
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}

	adapter := transport.New(transport.Options{})

	ctx := context.Background()
	reg, err := registry.Build(ctx, cfg, adapter.Probe)
	if err != nil {
		log.Fatalf("Failed to build tool registry: %v", err)
	}

	policy, err := session.ParsePolicy(cfg.Sessions.ClosePolicy)
	if err != nil {
		log.Fatalf("Invalid session close policy: %v", err)
	}

	dispatcher := dispatch.New(reg, store, adapter)
	coordinator := session.NewCoordinator(dispatcher, policy, cfg.Sessions.CloseGrace.Std(config.DefaultCloseGrace))

	listenAddr := *listen
	if listenAddr == "" {
		listenAddr = cfg.Listen
	}
	if listenAddr == "" {
		listenAddr = defaultListen
	}

	slog.Info("Starting toolgate", "listen", listenAddr, "tools", reg.Len(), "close_policy", policy)

	srv := gateway.New(coordinator, store, reg, cfg.RequiredProviders())
	if err := srv.Serve(ctx, listenAddr); err != nil {
		log.Fatalf("Gateway failed: %v", err)
	}
}

// configureLogging sets up the slog logger with the specified log level.
func configureLogging(levelStr string) {
	level := promslog.NewLevel()
	err := level.Set(levelStr)
	if err != nil {
		log.Fatal(err.Error())
	}

	format := promslog.NewFormat()
	err = format.Set("logfmt")
	if err != nil {
		log.Fatal(err.Error())
	}

	logger := promslog.New(&promslog.Config{
		Level:  level,
		Format: format,
		Style:  promslog.GoKitStyle,
	})
	slog.SetDefault(logger)
}
