// Package app assembles the collaboration service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

// App owns every long-lived component of a running service.
type App struct {
	db        *gorm.DB
	documents *collab.DocumentStore
	scheduler *collab.Scheduler
	hub       *server.RoomHub
	mirror    *presence.RedisMirror
	sessions  *presence.Registry
	handler   http.Handler
	logger    *zap.Logger
}

// New opens the database, connects the optional presence mirror and builds the HTTP handler.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Open(database.Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	application := &App{db: db, logger: logger}
	if err := application.build(ctx, cfg); err != nil {
		application.closeResources()
		return nil, err
	}
	return application, nil
}

func (a *App) build(ctx context.Context, cfg config.AppConfig) error {
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database: a.db,
		Clock:    time.Now,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := collab.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	transformer, err := collab.NewTransformer(collab.TransformerConfig{
		Store:      notesService,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	a.hub = server.NewRoomHub(a.logger)
	a.documents, err = collab.NewDocumentStore(collab.DocumentStoreConfig{
		Repository:     notesService,
		Transformer:    transformer,
		CanonicalRoot:  cfg.Collab.CanonicalRoot,
		LegacyRoot:     cfg.Collab.LegacyRoot,
		FlushThreshold: cfg.Collab.FlushThreshold,
		WriteBackIDs:   cfg.Collab.WriteBackIDs,
		Broadcaster:    a.hub,
		Metrics:        metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	a.scheduler, err = collab.NewScheduler(collab.SchedulerConfig{
		Store:    a.documents,
		Interval: cfg.Collab.FlushInterval,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	presenceConfig := presence.Config{
		MaxEditors: cfg.Collab.MaxEditors,
		Logger:     a.logger,
	}
	if cfg.RedisURL != "" {
		a.mirror, err = presence.NewRedisMirror(ctx, cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return err
		}
		presenceConfig.Mirror = a.mirror
	}
	sessions := presence.NewRegistry(presenceConfig)
	a.sessions = sessions

	if err := collab.RegisterGauge(registry, "documents_cached", "Documents held in memory.", func() float64 {
		return float64(a.documents.CachedCount())
	}); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := collab.RegisterGauge(registry, "sessions_active", "Connected editor sessions.", func() float64 {
		return float64(sessions.SessionCount())
	}); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engine, err := collab.NewEngine(collab.EngineConfig{
		Documents: a.documents,
		Presence:  sessions,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: a.db,
		Clock:    time.Now,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.TAuthSigningKey),
		Issuer:        cfg.TAuthIssuer,
		CookieName:    cfg.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	a.handler, err = server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Profiles:         usersService,
		Engine:           engine,
		Hub:              a.hub,
		SocketIDs:        notes.NewULIDProvider(time.Now),
		Metrics:          registry,
		AllowedOrigins:   cfg.AllowedOrigins,
		Logger:           a.logger,
	})
	return err
}

// Handler returns the HTTP surface of the service.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Documents exposes the document store.
func (a *App) Documents() *collab.DocumentStore {
	return a.documents
}

// RunBackground flushes dirty documents and, when a presence mirror is configured, renews the
// mirrored rosters three times per TTL. It returns once ctx is cancelled.
func (a *App) RunBackground(ctx context.Context) {
	var group sync.WaitGroup
	if a.mirror != nil {
		group.Add(1)
		go func() {
			defer group.Done()
			a.sessions.RunMirrorHeartbeat(ctx, a.mirror.TTL()/3)
		}()
	}
	a.scheduler.Run(ctx)
	group.Wait()
}

// Shutdown disconnects every socket, flushes the remaining documents and releases
// the mirror and database connections.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	if err := a.hub.CloseAll(ctx); err != nil {
		a.logger.Warn("connections did not drain", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := a.documents.Shutdown(ctx); err != nil {
		a.logger.Error("final flush failed", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}
	a.closeResources()
	return shutdownErr
}

func (a *App) closeResources() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("presence mirror close failed", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
