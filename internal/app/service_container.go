package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"attest-backend/internal/chain"
	"attest-backend/internal/clients"
	"attest-backend/internal/config"
	"attest-backend/internal/db"
	"attest-backend/internal/events"
	"attest-backend/internal/handlers"
	"attest-backend/internal/lock"
	"attest-backend/internal/repository"
	"attest-backend/internal/router"
	"attest-backend/internal/services"
	"attest-backend/internal/storage"
)

// ServiceContainer owns every long-lived dependency of the process.
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger

	// Infrastructure
	DB         *gorm.DB
	Store      storage.Store
	NATSClient *clients.NATSClient
	Chains     *chain.Registry
	Publisher  events.Publisher

	// Repositories
	ReceiptRepo      repository.ReceiptRepository
	JobQueue         repository.JobQueue
	DeadLetterRepo   repository.DeadLetterRepository
	ConfirmationRepo repository.ConfirmationRepository
	Locker           lock.Locker

	// Collaborators
	PaymentClient  *clients.PaymentClient
	EvidenceClient *clients.EvidenceClient

	// Services
	ReceiptService      *services.ReceiptService
	AnchorService       *services.AnchorService
	SweepService        *services.SweepService
	ConfirmationService *services.ConfirmationService

	evmProviders []*chain.EVMProvider
	closeOnce    sync.Once
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the global container once.
func InitializeContainer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	var initErr error
	containerOnce.Do(func() {
		Container, initErr = NewServiceContainer(ctx, cfg, logger)
	})
	return Container, initErr
}

// NewServiceContainer connects the configured backends and wires the services.
func NewServiceContainer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	logger.Info("🚀 Initializing Service Container...")
	c := &ServiceContainer{Config: cfg, Logger: logger}

	if err := c.initInfrastructure(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.initChains(ctx)
	c.wire()

	logger.WithFields(logrus.Fields{
		"storage": cfg.Storage.Driver,
		"chains":  c.Chains.Chains(),
		"events":  c.NATSClient != nil,
	}).Info("✅ Service Container initialized successfully")
	return c, nil
}

// NewServiceContainerWith wires the services over handles the caller built.
func NewServiceContainerWith(cfg *config.Config, logger *logrus.Logger, store storage.Store, chains *chain.Registry, publisher events.Publisher) *ServiceContainer {
	c := &ServiceContainer{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Chains:    chains,
		Publisher: publisher,
	}
	c.wire()
	return c
}

func (c *ServiceContainer) initInfrastructure(ctx context.Context) error {
	cfg := c.Config

	natsNeeded := cfg.Storage.Driver == storage.DriverNATS
	if cfg.NATS.URL != "" || natsNeeded {
		nc, err := clients.NewNATSClient(cfg.NATS, c.Logger)
		if err != nil {
			if natsNeeded {
				return fmt.Errorf("failed to connect NATS for storage: %w", err)
			}
			c.Logger.WithError(err).Warn("⚠️ NATS unavailable, domain events disabled")
		} else {
			c.NATSClient = nc
			c.Publisher = nc
		}
	}

	opts := storage.Options{
		Driver:     cfg.Storage.Driver,
		NATSBucket: cfg.Storage.NATSBucket,
		PebblePath: cfg.Storage.PebblePath,
	}
	switch cfg.Storage.Driver {
	case storage.DriverPostgres, storage.DriverSQLite:
		dbCfg := cfg.Database
		if dbCfg.Driver == "" {
			dbCfg.Driver = cfg.Storage.Driver
		}
		gdb, err := db.Open(dbCfg)
		if err != nil {
			return err
		}
		c.DB = gdb
		opts.DB = gdb
	case storage.DriverNATS:
		opts.JetStream = c.NATSClient.JetStream()
	}

	store, err := storage.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	c.Store = store
	return nil
}

// initChains dials every enabled network. A network that cannot be reached
// is skipped; receipts cannot target it until the next start.
func (c *ServiceContainer) initChains(ctx context.Context) {
	c.Chains = chain.NewRegistry()
	for name, network := range c.Config.Blockchain.Networks {
		if !network.Enabled {
			continue
		}
		p, err := chain.DialEVM(ctx, name, network, c.Logger)
		if err != nil {
			c.Logger.WithError(err).WithField("chain", name).Error("❌ Failed to initialize chain provider")
			continue
		}
		c.evmProviders = append(c.evmProviders, p)
		c.Chains.Register(p)
	}
}

func (c *ServiceContainer) wire() {
	cfg := c.Config
	prefixes := cfg.Storage.Prefixes
	logger := c.Logger
	if c.Publisher == nil {
		c.Publisher = events.Noop{}
	}

	c.ReceiptRepo = repository.NewReceiptRepository(c.Store, prefixes.Receipt)
	c.JobQueue = repository.NewJobQueue(c.Store, prefixes.Queue, cfg.JobTTL())
	c.DeadLetterRepo = repository.NewDeadLetterRepository(c.Store, prefixes.DeadLetter)
	c.ConfirmationRepo = repository.NewConfirmationRepository(c.Store, prefixes.Confirmation)
	c.Locker = lock.NewLeaseLocker(c.Store, prefixes.Lock, cfg.LeaseTTL())

	c.PaymentClient = clients.NewPaymentClient(cfg.Payment)
	c.EvidenceClient = clients.NewEvidenceClient(cfg.Evidence)

	c.ReceiptService = services.NewReceiptService(
		c.ReceiptRepo, c.JobQueue, c.ConfirmationRepo, c.Locker, c.Chains,
		c.PaymentClient, c.EvidenceClient, c.Publisher,
		services.ReceiptServiceConfig{
			PolicyVersion: cfg.Receipt.PolicyVersion,
			DefaultChain:  cfg.Anchor.Chain,
			DefaultTTL:    cfg.ReceiptTTL(),
		},
		logger.WithField("service", "receipt"),
	)
	c.AnchorService = services.NewAnchorService(
		c.ReceiptRepo, c.JobQueue, c.DeadLetterRepo, c.ConfirmationRepo,
		c.Locker, c.Chains, c.Publisher,
		services.AnchorServiceConfig{MaxAttempts: cfg.Anchor.MaxAttempts},
		logger.WithField("service", "anchor"),
	)
	c.SweepService = services.NewSweepService(c.AnchorService, c.JobQueue, c.ReceiptService, services.SweepServiceConfig{
		Interval:        cfg.SweepInterval(),
		PageSize:        cfg.Anchor.PageSize,
		MaxJobsPerSweep: cfg.Anchor.MaxJobsPerSweep,
		Batching:        cfg.Anchor.Batching,
	}, logger.WithField("service", "sweep"))
	c.ConfirmationService = services.NewConfirmationService(
		c.ConfirmationRepo, c.Chains, c.Publisher, cfg.ConfirmationPollInterval(),
		logger.WithField("service", "confirmation"),
	)
}

// Router builds the HTTP surface over the container's services.
func (c *ServiceContainer) Router() *gin.Engine {
	logger := c.Logger.WithField("component", "http")
	return router.SetupRouter(router.Deps{
		Receipts:  handlers.NewReceiptHandler(c.ReceiptService, logger),
		Anchors:   handlers.NewAnchorHandler(c.SweepService, c.AnchorService, c.ConfirmationService, c.ConfirmationRepo, c.DeadLetterRepo, logger),
		AdminAuth: handlers.NewAdminAuthHandler(c.Config.Admin, logger),
		CORS:      c.Config.CORS,
		Admin:     c.Config.Admin,
		Logger:    logger,
	})
}

// StartTimers starts the sweep and confirmation timers enabled in config.
func (c *ServiceContainer) StartTimers() {
	if c.Config.Anchor.TimerEnabled {
		c.SweepService.Start()
	}
	if c.Config.Confirmation.TimerEnabled {
		c.ConfirmationService.Start()
	}
}

// Close stops the timers and releases every connection.
func (c *ServiceContainer) Close() {
	c.closeOnce.Do(func() {
		if c.SweepService != nil {
			c.SweepService.Stop()
		}
		if c.ConfirmationService != nil {
			c.ConfirmationService.Stop()
		}
		for _, p := range c.evmProviders {
			p.Close()
		}
		// a SQL store owns c.DB and closes it
		if c.Store != nil {
			if err := c.Store.Close(); err != nil {
				c.Logger.WithError(err).Warn("⚠️ Failed to close store")
			}
		} else if c.DB != nil {
			if sqlDB, err := c.DB.DB(); err == nil {
				if err := sqlDB.Close(); err != nil {
					c.Logger.WithError(err).Warn("⚠️ Failed to close database")
				}
			}
		}
		if c.NATSClient != nil {
			c.NATSClient.Close()
		}
	})
}
