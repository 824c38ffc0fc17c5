package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ghostinbox/ghostinbox/pkg/config"
	"github.com/ghostinbox/ghostinbox/pkg/crypto"
	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/logging"
	"github.com/ghostinbox/ghostinbox/pkg/security"
	"github.com/ghostinbox/ghostinbox/pkg/server"
	"github.com/ghostinbox/ghostinbox/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("GHOSTINBOX_CONFIG"), "YAML config file (optional)")
	addr := flag.String("addr", "", "HTTP bind address (overrides admin.addr)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	exportAliases := flag.Bool("export-aliases", false, "Export all aliases as YAML and exit")
	hashPassword := flag.String("hash-password", "", "Print the argon2id hash of a password and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("ghostinbox-server"))
		return
	}
	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Admin.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Configure structured logging
	logFile, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
		File:   cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	st, err := datastore.NewProviderFactory(cfg.Database.Path)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	if *exportAliases {
		data, err := server.ExportAliasesYAML(context.Background(), st.NonTx())
		_ = st.Close()
		if err != nil {
			slog.Error("export aliases", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateAdmin(); err != nil {
		slog.Error("invalid admin config", "err", err)
		os.Exit(1)
	}

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		slog.Error("admin config", "err", err)
		os.Exit(1)
	}

	filter, err := security.NewPacketFilter(cfg.Security.PacketFilter, cfg.Security.IPTablesPath)
	if err != nil {
		slog.Error("packet filter", "err", err)
		os.Exit(1)
	}

	srv, err := server.New(srvCfg, server.Dependencies{
		Store:     st,
		Mitigator: security.Open(cfg.SecurityDBPath(), cfg.Security.Policy, filter),
	})
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}
	slog.Info("starting GhostInbox admin server", "version", version.String(), "domain", cfg.Domain)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
