/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service wires the platform's components together and runs them as
// one process: the HTTP API, the generation workers and the preview sweeper.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/blob"
	"github.com/vellumlabs/vellum/lib/certificates"
	"github.com/vellumlabs/vellum/lib/config"
	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/queue"
	"github.com/vellumlabs/vellum/lib/render"
	"github.com/vellumlabs/vellum/lib/sweeper"
	"github.com/vellumlabs/vellum/lib/templates"
	"github.com/vellumlabs/vellum/lib/tenancy"
	"github.com/vellumlabs/vellum/lib/tenantdb"
	"github.com/vellumlabs/vellum/lib/verify"
	"github.com/vellumlabs/vellum/lib/web"
	"github.com/vellumlabs/vellum/lib/worker"
)

// Config configures a Service.
type Config struct {
	// FileConfig is the merged platform configuration.
	FileConfig *config.FileConfig
	// Converter overrides the PDF converter, used in tests. When nil a
	// headless Chrome converter is started.
	Converter render.Converter
	// Clock overrides time, used in tests.
	Clock clockwork.Clock
	// Logger emits service logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if err := c.FileConfig.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// certificateStore is the combined store surface the platform wires: the
// lifecycle store plus the fingerprint index. Both implementations provide
// both.
type certificateStore interface {
	certificates.Store
	certificates.HashStore
}

// messageBus is both ends of the generation queue.
type messageBus interface {
	queue.Publisher
	queue.Consumer
}

// Service owns every platform component and runs them as one process.
type Service struct {
	cfg    Config
	logger *slog.Logger

	// pool is nil when the platform runs without Postgres.
	pool *tenantdb.Pool
	// chrome is nil when the converter was injected.
	chrome *render.ChromeConverter

	registry  *tenancy.Registry
	templates templates.Store
	certs     certificateStore
	blob      blob.Store
	bus       messageBus
	engine    *certificates.Engine
	verifier  *verify.Service
	handler   *web.Handler
	worker    *worker.Worker
	sweeper   *sweeper.Sweeper
}

// New builds every component from the configuration: stores, registry,
// renderer, engine, verifier, workers, sweeper and the API handler. Nothing
// is served yet, call Run or Serve.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg:    cfg,
		logger: cfg.Logger.With(vellum.ComponentKey, vellum.ComponentService),
	}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	fc := s.cfg.FileConfig

	var customers tenancy.CustomerStore
	var provisioner tenancy.SchemaProvisioner
	if fc.Database.InMemory() {
		s.logger.WarnContext(ctx, "No database configured, running with in-memory stores. Nothing survives a restart.")
		customers = tenancy.NewMemoryCustomerStore(s.cfg.Clock)
		provisioner = tenancy.NewMemoryProvisioner()
		s.templates = templates.NewMemoryStore(s.cfg.Clock)
		s.certs = certificates.NewMemoryStore(s.cfg.Clock)
	} else {
		if err := tenantdb.MigrateUp(fc.Database.URL); err != nil {
			return trace.Wrap(err, "applying database migrations")
		}
		pool, err := tenantdb.New(ctx, tenantdb.Config{
			ConnString: fc.Database.URL,
			Logger:     s.cfg.Logger,
		})
		if err != nil {
			return trace.Wrap(err, "connecting to the database")
		}
		s.pool = pool
		customerStore, err := tenantdb.NewCustomerStore(pool)
		if err != nil {
			return trace.Wrap(err)
		}
		customers = customerStore
		schemaProvisioner, err := tenantdb.NewSchemaProvisioner(pool)
		if err != nil {
			return trace.Wrap(err)
		}
		provisioner = schemaProvisioner
		templateStore, err := templates.NewPGStore(pool)
		if err != nil {
			return trace.Wrap(err)
		}
		s.templates = templateStore
		certStore, err := certificates.NewPGStore(pool)
		if err != nil {
			return trace.Wrap(err)
		}
		s.certs = certStore
	}

	registry, err := tenancy.NewRegistry(tenancy.RegistryConfig{
		Store:       customers,
		Provisioner: provisioner,
		CacheTTL:    fc.Tenancy.CacheTTL,
		Logger:      s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.registry = registry

	switch fc.Storage.Backend {
	case config.StorageS3:
		store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:       fc.Storage.Bucket,
			Region:       fc.Storage.Region,
			Endpoint:     fc.Storage.Endpoint,
			UsePathStyle: fc.Storage.PathStyle,
			Logger:       s.cfg.Logger,
		})
		if err != nil {
			return trace.Wrap(err, "initializing document storage")
		}
		s.blob = store
	case config.StorageMemory:
		s.blob = blob.NewMemoryStore(s.cfg.Clock)
	default:
		return trace.BadParameter("unsupported storage backend %q", fc.Storage.Backend)
	}

	switch fc.Queue.Backend {
	case config.QueueSQS:
		q, err := queue.NewSQSQueue(ctx, queue.SQSConfig{
			QueueURL:          fc.Queue.QueueURL,
			TopicARN:          fc.Queue.TopicARN,
			Region:            fc.Queue.Region,
			WaitTime:          fc.Queue.WaitTime,
			VisibilityTimeout: fc.Queue.VisibilityTimeout,
			Logger:            s.cfg.Logger,
		})
		if err != nil {
			return trace.Wrap(err, "initializing the generation queue")
		}
		s.bus = q
	case config.QueueMemory:
		q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{
			MaxDeliveries: fc.Worker.MaxDeliveries,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s.bus = q
	default:
		return trace.BadParameter("unsupported queue backend %q", fc.Queue.Backend)
	}

	converter := s.cfg.Converter
	if converter == nil {
		chrome, err := render.NewChromeConverter(render.ChromeConfig{
			ExecPath: fc.Render.ChromePath,
			Timeout:  fc.Render.Timeout,
			Logger:   s.cfg.Logger,
		})
		if err != nil {
			return trace.Wrap(err, "starting the PDF converter")
		}
		s.chrome = chrome
		converter = chrome
	}
	renderer, err := render.New(render.Config{
		Converter: converter,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	engine, err := certificates.NewEngine(certificates.EngineConfig{
		Templates: s.templates,
		Store:     s.certs,
		Hashes:    s.certs,
		Blob:      s.blob,
		Renderer:  renderer,
		Queue:     s.bus,
		Registry:  s.registry,
		BaseURL:   fc.BaseURL,
		Clock:     s.cfg.Clock,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.engine = engine

	verifier, err := verify.New(verify.Config{
		Customers:    s.registry,
		Hashes:       s.certs,
		Certificates: s.certs,
		Clock:        s.cfg.Clock,
		Logger:       s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.verifier = verifier

	handler, err := web.NewHandler(web.Config{
		Engine:       engine,
		Certificates: s.certs,
		Templates:    s.templates,
		Registry:     s.registry,
		Verifier:     verifier,
		Logger:       s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.handler = handler

	processTimeout := fc.Worker.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = fc.Queue.VisibilityTimeout
	}
	w, err := worker.New(worker.Config{
		Processor:      engine,
		Consumer:       s.bus,
		Concurrency:    fc.Worker.Concurrency,
		MaxDeliveries:  fc.Worker.MaxDeliveries,
		ProcessTimeout: processTimeout,
		Clock:          s.cfg.Clock,
		Logger:         s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.worker = w

	sw, err := sweeper.New(sweeper.Config{
		Customers: s.registry,
		Store:     s.certs,
		Blob:      s.blob,
		MaxAge:    fc.Sweeper.MaxAge,
		Interval:  fc.Sweeper.Interval,
		Clock:     s.cfg.Clock,
		Logger:    s.cfg.Logger,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.sweeper = sw
	return nil
}

// Registry returns the tenant registry, used by the onboard command.
func (s *Service) Registry() *tenancy.Registry {
	return s.registry
}

// Handler returns the HTTP API handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Run binds the configured listen address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.FileConfig.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "binding API listener")
	}
	return trace.Wrap(s.Serve(ctx, listener))
}

// Serve runs the platform on the given listener until ctx is done, then
// drains: the workers and the sweeper finish in-flight work and the HTTP
// server shuts down gracefully. A clean shutdown returns nil.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.InfoContext(ctx, "Vellum is ready.",
		"version", vellum.Version,
		"listen_addr", listener.Addr().String(),
		"base_url", s.cfg.FileConfig.BaseURL,
	)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		return trace.Wrap(s.worker.Run(gctx))
	})
	g.Go(func() error {
		return trace.Wrap(s.sweeper.Run(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		s.worker.Close()
		s.sweeper.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), defaults.HTTPShutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}

// Close releases held resources. Serve must have returned.
func (s *Service) Close() error {
	var errs []error
	if s.chrome != nil {
		errs = append(errs, s.chrome.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return trace.NewAggregate(errs...)
}
