package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"circulation/internal/auth"
	"circulation/internal/auth/millennium"
	"circulation/internal/auth/oauth"
	"circulation/internal/auth/sip2auth"
	"circulation/internal/circ"
	"circulation/internal/credential"
	"circulation/internal/events"
	"circulation/internal/patron"
	"circulation/internal/platform/config"
	"circulation/internal/platform/logger"
	"circulation/internal/selftest"
	"circulation/internal/vendors/axis360"
	"circulation/internal/vendors/bibliotheca"
	"circulation/internal/vendors/overdrive"
	"circulation/internal/worker"
)

// app holds the wired object graph shared by the serve and self-test
// commands.
type app struct {
	cfg *config.Config
	log *slog.Logger

	pgPool    *pgxpool.Pool
	sqlDB     *sql.DB
	redisConn *redis.Client
	publisher *events.Publisher

	patrons     patron.Store
	credentials *credential.Service
	basicAuth   []basicAuthBinding
	oauthFlow   *oauth.Controller
	dispatcher  *circ.Dispatcher
	selfTests   *selftest.Runner

	adapters     map[string]circ.VendorAPI
	sweepSources []worker.SweepSource
}

// basicAuthBinding pairs a built basic provider with the service that lands
// its results.
type basicAuthBinding struct {
	provider auth.BasicProvider
	service  *auth.Service
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      logger.New(cfg.Server.LogLevel),
		adapters: map[string]circ.VendorAPI{},
	}
	if err := a.wireStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireAuth(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireCirculation(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireStorage(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.log.Warn("no database configured, using in-memory stores")
		a.patrons = patron.NewMemoryStore()
	} else {
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database pool: %w", err)
		}
		a.pgPool = pool
		a.patrons = patron.NewPostgresStore(pool)
	}

	var credStore credential.Store
	switch {
	case a.cfg.Redis.URL != "":
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.redisConn = redis.NewClient(opts)
		credStore = credential.NewRedisStore(a.redisConn)
	case a.cfg.Database.URL != "":
		db, err := sql.Open("postgres", a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open credential database: %w", err)
		}
		a.sqlDB = db
		credStore = credential.NewPostgresStore(db)
	default:
		credStore = credential.NewMemoryStore()
	}

	svc, err := credential.New(credStore, credential.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.credentials = svc
	return nil
}

func (a *app) wireAuth() error {
	registry := auth.NewRegistry()
	if err := millennium.Register(registry); err != nil {
		return err
	}
	if err := sip2auth.Register(registry); err != nil {
		return err
	}

	var oauthProviders []*oauth.Provider
	for _, pc := range a.cfg.Providers {
		if pc.Protocol == oauth.Protocol {
			p, err := oauth.New(pc, oauth.WithLogger(a.log))
			if err != nil {
				return fmt.Errorf("provider %q: %w", pc.Name, err)
			}
			oauthProviders = append(oauthProviders, p)
			continue
		}

		p, err := registry.Build(pc)
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		svc, err := auth.NewService(a.patrons, p, auth.WithLogger(a.log))
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		a.basicAuth = append(a.basicAuth, basicAuthBinding{provider: p, service: svc})
	}

	if len(oauthProviders) > 0 {
		controller, err := oauth.NewController(oauthProviders, a.patrons, a.credentials,
			oauth.ControllerWithLogger(a.log))
		if err != nil {
			return err
		}
		a.oauthFlow = controller
	}

	runner, err := selftest.New(&testPatronSource{bindings: a.basicAuth}, selftest.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.selfTests = runner
	return nil
}

func (a *app) wireCirculation() error {
	for _, vc := range a.cfg.Collections {
		adapter, err := a.buildAdapter(vc)
		if err != nil {
			return fmt.Errorf("collection %q: %w", vc.Name, err)
		}
		a.adapters[vc.Name] = adapter
	}
	if len(a.adapters) == 0 {
		a.log.Warn("no collections configured, circulation endpoints will reject everything")
		return nil
	}

	opts := []circ.DispatcherOption{
		circ.WithLogger(a.log),
		circ.WithMetrics(circ.NewMetrics()),
	}
	if len(a.cfg.Kafka.Brokers) > 0 {
		publisher, err := events.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, events.WithLogger(a.log))
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		a.publisher = publisher
		opts = append(opts, circ.WithEventSink(publisher))
	}

	dispatcher, err := circ.NewDispatcher(a.adapters, opts...)
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher
	return nil
}

func (a *app) buildAdapter(vc config.VendorConfig) (circ.VendorAPI, error) {
	switch vc.Vendor {
	case overdrive.VendorName:
		return overdrive.New(vc, a.credentials, overdrive.WithLogger(a.log))
	case bibliotheca.VendorName:
		return bibliotheca.New(vc, bibliotheca.WithLogger(a.log))
	case axis360.VendorName:
		adapter, err := axis360.New(vc, a.credentials, axis360.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		a.sweepSources = append(a.sweepSources, &axisSweepSource{collection: vc.Name, adapter: adapter})
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown vendor %q", vc.Vendor)
	}
}

// SelfTestCollections implements the transport layer's CollectionSource.
func (a *app) SelfTestCollections(library string) []selftest.Collection {
	var out []selftest.Collection
	for _, vc := range a.cfg.CollectionsForLibrary(library) {
		if adapter, ok := a.adapters[vc.Name]; ok {
			out = append(out, selftest.Collection{Name: vc.Name, Adapter: adapter})
		}
	}
	return out
}

// CollectionNames implements the transport layer's CollectionSource.
func (a *app) CollectionNames(library string) []string {
	var out []string
	for _, vc := range a.cfg.CollectionsForLibrary(library) {
		out = append(out, vc.Name)
	}
	return out
}

// shortTokenSecret resolves the signing secret for the first configured
// library; deployments serve one signing domain per process.
func (a *app) shortTokenSecret() []byte {
	for _, lib := range a.cfg.Libraries {
		if lib.ShortTokenSecret != "" {
			return []byte(lib.ShortTokenSecret)
		}
	}
	return nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redisConn != nil {
		_ = a.redisConn.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

// testPatronSource authenticates the designated test patron through the
// library's first provider that has one configured.
type testPatronSource struct {
	bindings []basicAuthBinding
}

func (s *testPatronSource) TestPatron(ctx context.Context, library string) (circ.PatronCredentials, error) {
	for _, b := range s.bindings {
		if b.provider.Library() != library {
			continue
		}
		identifier, secret, ok := b.provider.TestingPatron()
		if !ok {
			continue
		}

		record, err := b.service.Authenticate(ctx, identifier, secret)
		if err != nil {
			return circ.PatronCredentials{}, err
		}
		if record == nil {
			return circ.PatronCredentials{}, fmt.Errorf(
				"test patron %q was rejected by provider %q", identifier, b.provider.Name())
		}
		return circ.PatronCredentials{
			PatronID:   record.ID,
			Identifier: record.AuthorizationIdentifier,
			Secret:     secret,
		}, nil
	}
	return circ.PatronCredentials{}, errors.New("no provider with a test patron serves library " + library)
}

// axisSweepSource adapts the vendor's availability endpoint to the sweep
// job's contract.
type axisSweepSource struct {
	collection string
	adapter    *axis360.Adapter
}

func (s *axisSweepSource) CollectionName() string { return s.collection }

func (s *axisSweepSource) Availability(ctx context.Context) ([]worker.Snapshot, error) {
	titles, err := s.adapter.TitleAvailability(ctx, nil)
	if err != nil {
		return nil, err
	}
	snapshots := make([]worker.Snapshot, len(titles))
	for i, title := range titles {
		snapshots[i] = worker.Snapshot{
			Identifier:      title.Identifier,
			TotalCopies:     title.TotalCopies,
			AvailableCopies: title.AvailableCopies,
			HoldQueueSize:   title.HoldQueueSize,
		}
	}
	return snapshots, nil
}
