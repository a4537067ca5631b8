package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"retailops.org/internal/auth"
	"retailops.org/internal/config"
	"retailops.org/internal/tenancy"
)

const bootstrapActor = "system"

// bootstrap creates the first tenant and its administrator when configured.
// Both steps are skipped when the records already exist.
func bootstrap(ctx context.Context, cfg config.Config, admin *tenancy.Admin, dir *auth.Directory, logger *slog.Logger) error {
	if cfg.BootstrapTenant == "" || cfg.BootstrapAdmin == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	tenants, err := admin.Tenants(ctx)
	if err != nil {
		return err
	}
	var tenant tenancy.Tenant
	for _, t := range tenants {
		if strings.EqualFold(t.Name, cfg.BootstrapTenant) {
			tenant = t
			break
		}
	}
	if tenant.ID == "" {
		if tenant, err = admin.Create(ctx, bootstrapActor, cfg.BootstrapTenant, tenancy.PlanPremium); err != nil {
			return err
		}
		logger.Info("bootstrap tenant created", "tenant", tenant.ID, "name", tenant.Name)
	}

	email := cfg.BootstrapEmail
	if email == "" {
		email = cfg.BootstrapAdmin + "@localhost.localdomain"
	}
	u, err := dir.RegisterUser(ctx, bootstrapActor, auth.NewUser{
		TenantID: tenant.ID,
		Username: cfg.BootstrapAdmin,
		Email:    email,
		FullName: "Administrator",
		Password: cfg.BootstrapPassword,
		Roles:    []string{auth.RoleAdmin, auth.RolePlatformAdmin},
	})
	switch {
	case errors.Is(err, auth.ErrConflict):
		logger.Info("bootstrap admin already present", "username", cfg.BootstrapAdmin)
		return nil
	case err != nil:
		return err
	}
	logger.Info("bootstrap admin created", "user", u.ID, "tenant", tenant.ID)
	return nil
}
