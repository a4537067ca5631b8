package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"retailops.org/internal/auth"
	"retailops.org/internal/cache"
	"retailops.org/internal/config"
	"retailops.org/internal/events"
	"retailops.org/internal/expense"
	"retailops.org/internal/grpcapi"
	"retailops.org/internal/httpapi"
	"retailops.org/internal/ids"
	"retailops.org/internal/outlet"
	"retailops.org/internal/pos"
	"retailops.org/internal/product"
	pgstore "retailops.org/internal/store/pg"
	"retailops.org/internal/tenancy"
)

// stores are the write models of the services, all appending to one outbox.
type stores struct {
	pg      *pgstore.Store
	outbox  events.Outbox
	emitter events.Emitter
	auth    auth.Store
	tenants tenancy.Store
	outlets outlet.Store
	stock   product.Store
	spend   expense.Store
}

func openStores(cfg config.Config) (*stores, error) {
	if cfg.DatabaseURL == "" {
		mo := events.NewMemoryOutbox()
		return &stores{
			outbox:  mo,
			emitter: mo,
			auth:    auth.NewMemoryStore(mo),
			tenants: tenancy.NewMemoryStore(mo),
			outlets: outlet.NewMemoryStore(mo),
			stock:   product.NewMemoryStore(mo),
			spend:   expense.NewMemoryStore(mo),
		}, nil
	}
	st, err := pgstore.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &stores{pg: st, outbox: st, emitter: st, auth: st, tenants: st, outlets: st, stock: st, spend: st}, nil
}

// app is everything a service process runs.
type app struct {
	services   httpapi.Services
	probe      httpapi.ReadyProbe
	grpcPolicy grpcapi.Policy
	workers    []func(context.Context) error
	closers    []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{grpcPolicy: grpcapi.Policy{}}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()
	want := func(name string) bool { return cfg.Service == config.ServiceAll || cfg.Service == name }

	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	if st.pg != nil {
		a.closers = append(a.closers, st.pg.Close)
		a.probe.DB = st.pg.DB()
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = cache.Connect(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.probe.Checks = append(a.probe.Checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	b, err := openBus(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, b.Close)
	if tap, isTap := b.(httpapi.Tap); isTap {
		a.services.Tap = tap
	}

	// Durable consumers skip redelivered events across restarts.
	dedup := func(consumer string) events.Deduper {
		switch {
		case rdb != nil:
			return cache.NewDeduper(rdb, consumer, cfg.DedupRetention)
		case st.pg != nil:
			return st.pg.Deduper(consumer)
		default:
			return events.NewMemoryDeduper()
		}
	}
	// The in-process bus attaches consumers before the relay starts so no
	// event is published to an empty bus.
	attach, inProcess := b.(interface{ Attach(*events.Dispatcher) })
	durable := func(d *events.Dispatcher) {
		if inProcess {
			attach.Attach(d)
			return
		}
		a.workers = append(a.workers, func(ctx context.Context) error { return b.Consume(ctx, d) })
	}
	// Read models live in memory and rebuild from the bus on every start.
	transient := func(d *events.Dispatcher) {
		if inProcess {
			attach.Attach(d)
			return
		}
		a.workers = append(a.workers, func(ctx context.Context) error { return b.ConsumeTransient(ctx, d) })
	}

	opts, err := tokenOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	var tenantGate *tenancy.Directory
	if want(config.ServiceOutlet) || want(config.ServiceProduct) || want(config.ServiceExpense) {
		tenantGate = tenancy.NewDirectory()
		if st.pg != nil {
			known, err := st.tenants.ListTenants(ctx)
			if err != nil {
				return nil, fmt.Errorf("seed tenant directory: %w", err)
			}
			tenantGate.Seed(known)
		}
		d := events.NewDispatcher(instanceName(cfg.Service+"-tenants"), nil, logger)
		tenantGate.Register(d)
		transient(d)
	}

	if want(config.ServiceAuth) {
		admin, err := tenancy.NewAdmin(st.tenants)
		if err != nil {
			return nil, err
		}
		authority, err := auth.NewAuthority(st.auth, append(opts,
			auth.WithTenants(admin),
			auth.WithEmitter(st.emitter),
			auth.WithLogger(logger),
		)...)
		if err != nil {
			return nil, err
		}
		dir, err := auth.NewDirectory(st.auth)
		if err != nil {
			return nil, err
		}
		dir.WithRevoker(authority)
		a.services.Authority = authority
		a.services.Directory = dir
		a.services.Tenants = admin
		a.services.Guard = auth.NewGuard(authority)
		if err := bootstrap(ctx, cfg, admin, dir, logger); err != nil {
			return nil, err
		}
	}
	if a.services.Guard == nil {
		verifier, err := auth.NewVerifier(opts...)
		if err != nil {
			return nil, err
		}
		a.services.Guard = auth.NewGuard(verifier)
	}

	if want(config.ServiceOutlet) {
		svc, err := outlet.NewService(st.outlets, tenantGate)
		if err != nil {
			return nil, err
		}
		d := events.NewDispatcher("outlet-service", dedup("outlet-service"), logger)
		svc.Register(d)
		durable(d)
		a.services.Outlets = svc
	}
	if want(config.ServiceProduct) {
		svc, err := product.NewService(st.stock, tenantGate)
		if err != nil {
			return nil, err
		}
		a.services.Stock = svc
	}
	if want(config.ServiceExpense) {
		svc, err := expense.NewService(st.spend, tenantGate)
		if err != nil {
			return nil, err
		}
		a.services.Expenses = svc
	}
	if want(config.ServicePOS) {
		views := pos.NewService()
		d := events.NewDispatcher(instanceName("pos-views"), nil, logger)
		views.Register(d)
		transient(d)
		a.services.POS = views
		for method, op := range grpcapi.StockPolicy {
			a.grpcPolicy[method] = op
		}
	} else if cfg.POSGRPCAddr != "" {
		client, err := grpcapi.DialStock(cfg.POSGRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("dial pos %s: %w", cfg.POSGRPCAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		a.services.RemoteStock = client
	}

	if cfg.Service != config.ServicePOS {
		relay := events.NewRelay(logger, st.outbox, b, events.RelayConfig{
			Interval:    cfg.OutboxInterval,
			BatchSize:   cfg.OutboxBatchSize,
			ClaimTTL:    cfg.OutboxClaimTTL,
			MaxAttempts: cfg.OutboxMaxAttempts,
		})
		a.workers = append(a.workers, relay.Run)
	}

	ok = true
	return a, nil
}

// tokenOptions configures signing or verification keys. Without any key an
// all-in-one memory deployment signs with an ephemeral RSA key.
func tokenOptions(cfg config.Config, logger *slog.Logger) ([]auth.Option, error) {
	opts := []auth.Option{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithLeeway(cfg.ClockLeeway),
	}
	if cfg.KeyID != "" {
		opts = append(opts, auth.WithKeyID(cfg.KeyID))
	}
	switch {
	case cfg.RSAPrivateKey != "":
		opts = append(opts, auth.WithRS256Keys(cfg.RSAPrivateKey, cfg.RSAPublicKey))
	case cfg.RSAPublicKey != "":
		opts = append(opts, auth.WithRS256PublicKey(cfg.RSAPublicKey))
	case cfg.HMACSecret != "":
		opts = append(opts, auth.WithHMACSecret(cfg.HMACSecret))
	case cfg.Service == config.ServiceAll && cfg.Bus == config.BusMemory:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		logger.Warn("no signing key configured; using an ephemeral RSA key")
		opts = append(opts, auth.WithRSAKey(key))
	default:
		return nil, errors.New("no token key configured: set RETAIL_JWT_SECRET or RETAIL_JWT_PUBLIC_KEY_FILE")
	}
	return opts, nil
}

// instanceName gives a consumer a process-unique name.
func instanceName(base string) string {
	return base + "-" + ids.New()
}
