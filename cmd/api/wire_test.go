package main

import (
	"context"
	"slices"
	"testing"

	"retailops.org/internal/auth"
	"retailops.org/internal/config"
	"retailops.org/internal/obs"
)

func TestAssembleAllInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Service = config.ServiceAll
	cfg.HMACSecret = "0123456789abcdef0123456789abcdef"
	cfg.BootstrapTenant = "Acme"
	cfg.BootstrapAdmin = "root"
	cfg.BootstrapPassword = "correct horse battery"

	ctx := context.Background()
	a, err := assemble(ctx, cfg, obs.Logger())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer a.close()

	s := a.services
	if s.Authority == nil || s.Outlets == nil || s.Stock == nil || s.Expenses == nil || s.POS == nil || s.Tap == nil {
		t.Fatalf("expected every service in all-in-one mode: %+v", s)
	}
	if len(a.workers) != 1 {
		t.Fatalf("memory consumers attach eagerly; expected only the relay worker, got %d", len(a.workers))
	}
	if len(a.grpcPolicy) == 0 {
		t.Fatal("expected the stock service policy")
	}

	session, err := s.Authority.IssueToken(ctx, auth.Credentials{Login: "root", Password: cfg.BootstrapPassword})
	if err != nil {
		t.Fatalf("bootstrap admin cannot log in: %v", err)
	}
	if !slices.Contains(session.Roles, auth.RoleAdmin) || !slices.Contains(session.Roles, auth.RolePlatformAdmin) {
		t.Fatalf("bootstrap admin must administer its tenant and the platform, got %v", session.Roles)
	}

	// A second bootstrap over the same stores is a no-op.
	if err := bootstrap(ctx, cfg, s.Tenants, s.Directory, obs.Logger()); err != nil {
		t.Fatalf("repeated bootstrap: %v", err)
	}
}

func TestTokenOptionsRequireKeyOutsideDevMode(t *testing.T) {
	cfg := config.Default()
	cfg.Service = config.ServiceOutlet
	if _, err := tokenOptions(cfg, obs.Logger()); err == nil {
		t.Fatal("expected error without any key")
	}
	cfg.Service = config.ServiceAll
	opts, err := tokenOptions(cfg, obs.Logger())
	if err != nil {
		t.Fatalf("dev mode must fall back to an ephemeral key: %v", err)
	}
	if _, err := auth.NewVerifier(opts...); err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
}

func TestAssembleDialsRemotePOS(t *testing.T) {
	cfg := config.Default()
	cfg.Service = config.ServiceProduct
	cfg.HMACSecret = "0123456789abcdef0123456789abcdef"
	cfg.POSGRPCAddr = "pos.internal:9090"

	a, err := assemble(context.Background(), cfg, obs.Logger())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer a.close()
	if a.services.RemoteStock == nil || a.services.POS != nil {
		t.Fatalf("product service must read POS stock remotely, got %+v", a.services)
	}
}
