package application

import (
	"context"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/application/usecase"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/repository"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/backend"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/config"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/monitoring"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/persistence"
	"github.com/ZeroTricks/lumo-tamer-sub000/internal/infrastructure/prompt"
	httpiface "github.com/ZeroTricks/lumo-tamer-sub000/internal/interfaces/http"
	"go.uber.org/zap"
)

// App owns the initialization chain and component lifecycles. The order
// is a linear dependency chain: config → monitor → storage → transport
// → generation client → serializer → use case → HTTP server.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	monitor    *monitoring.Monitor
	serializer *service.GenerationSerializer
	server     *httpiface.Server
}

// NewApp builds the full object graph from configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	monitor := monitoring.NewMonitor(logger)

	// Attribution storage. A database failure degrades to in-memory
	// attribution rather than refusing to start — the core never reads
	// these rows.
	var attributions repository.AttributionRepository
	if cfg.Database.DSN != "" {
		db, err := persistence.NewDBConnection(&cfg.Database)
		if err != nil {
			logger.Warn("Database unavailable, using in-memory attribution store",
				zap.Error(err))
			attributions = persistence.NewMemoryAttributionRepository()
		} else {
			attributions = persistence.NewGormAttributionRepository(db)
		}
	} else {
		attributions = persistence.NewMemoryAttributionRepository()
	}

	transport, err := backend.CreateTransport(backend.Config{
		Type:               cfg.Backend.Type,
		BaseURL:            cfg.Backend.BaseURL,
		GenerationPath:     cfg.Backend.GenerationPath,
		TimeoutSeconds:     cfg.Backend.TimeoutSeconds,
		IdleTimeoutSeconds: cfg.Backend.IdleTimeoutSeconds,
	}, logger)
	if err != nil {
		return nil, err
	}

	breaker := backend.NewCircuitBreaker(
		cfg.Runtime.BreakerThreshold,
		time.Duration(cfg.Runtime.BreakerRecoverSec)*time.Second,
	)
	guarded := backend.NewBreakerTransport(transport, breaker, logger)

	var ciphers service.CipherFactory
	if cfg.Encryption.Enabled {
		factory, err := backend.NewCipherFactory(cfg.Backend.PublicKey)
		if err != nil {
			return nil, err
		}
		if factory == nil {
			logger.Warn("Encryption enabled but no backend public key configured, running unencrypted")
		} else {
			ciphers = factory
		}
	}

	templates := prompt.Templates{
		Template:      cfg.Instructions.Template,
		Fallback:      cfg.Instructions.Fallback,
		ForTools:      cfg.Instructions.ForTools,
		ForToolBounce: cfg.Instructions.ForToolBounce,
	}

	retryWait, err := time.ParseDuration(cfg.Runtime.RetryBaseWait)
	if err != nil || retryWait <= 0 {
		retryWait = 2 * time.Second
	}

	commands := usecase.NewCommandRegistry(logger)

	client := service.NewGenerationClient(guarded, ciphers, commands, service.GenerationConfig{
		Endpoint:           cfg.Backend.GenerationPath,
		EnableWebSearch:    cfg.WebSearch,
		ToolPrefix:         cfg.CustomTools.Prefix,
		CustomToolsEnabled: cfg.CustomTools.Enabled,
		CommandsEnabled:    cfg.Commands.Enabled,
		BounceInstruction:  prompt.BounceInstruction(templates, cfg.CustomTools.Prefix),
		TitleMaxLen:        cfg.Runtime.TitleMaxLen,
		MaxRetries:         cfg.Runtime.MaxRetries,
		RetryBaseWait:      retryWait,
	}, monitor, logger.With(zap.String("component", "generation_client")))

	serializer := service.NewGenerationSerializer(logger.With(zap.String("component", "serializer")))

	uc := usecase.NewProcessChatUseCase(
		serializer,
		client,
		templates,
		cfg.CustomTools.Prefix,
		cfg.Encryption.Enabled && ciphers != nil,
		attributions,
		logger,
	)

	server := httpiface.NewServer(httpiface.Config{
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
		Mode:    cfg.Gateway.Mode,
		ModelID: cfg.Model.ID,
		OwnedBy: cfg.Model.OwnedBy,
	}, uc, monitor, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		monitor:    monitor,
		serializer: serializer,
		server:     server,
	}, nil
}

// Start brings up the HTTP surface.
func (a *App) Start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Stop drains in-flight generations and shuts the server down.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	a.serializer.WaitIdle()
	a.monitor.LogSummary()
	return err
}

// Logger exposes the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}
