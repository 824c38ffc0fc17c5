package main

import (
	"fmt"
	"log/slog"

	"github.com/ghostinbox/ghostinbox/pkg/config"
	"github.com/ghostinbox/ghostinbox/pkg/crypto"
	"github.com/ghostinbox/ghostinbox/pkg/server"
)

// serverConfig maps the shared config onto server.Config. A plaintext
// password is hashed here; a missing JWT secret is generated, which
// invalidates issued tokens on every restart.
func serverConfig(cfg *config.Config) (server.Config, error) {
	out := server.DefaultConfig()
	out.Addr = cfg.Admin.Addr
	out.User = cfg.Admin.User
	out.TokenTTL = cfg.Admin.TokenTTL
	out.CORSOrigins = cfg.Admin.CORSOrigins
	out.TrustedProxies = cfg.Admin.TrustedProxies
	out.SMTPAddr = cfg.Admin.SMTPAddr
	out.CleanupInterval = cfg.Security.CleanupInterval
	out.MetricsLogInterval = cfg.Admin.MetricsLog

	out.PasswordHash = cfg.Admin.PasswordHash
	if out.PasswordHash == "" {
		hash, err := crypto.HashPassword(cfg.Admin.Password)
		if err != nil {
			return out, fmt.Errorf("hash admin password: %w", err)
		}
		out.PasswordHash = hash
	}

	if cfg.Admin.JWTSecret != "" {
		out.JWTSecret = []byte(cfg.Admin.JWTSecret)
	} else {
		secret, err := crypto.GenerateToken()
		if err != nil {
			return out, fmt.Errorf("generate jwt secret: %w", err)
		}
		out.JWTSecret = []byte(secret)
		slog.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	return out, nil
}
