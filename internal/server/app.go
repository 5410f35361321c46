package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/calendar"
	"github.com/shaalot/apiserver/internal/db"
	"github.com/shaalot/apiserver/internal/logging"
	"github.com/shaalot/apiserver/internal/metrics"
	"github.com/shaalot/apiserver/internal/mq"
	"github.com/shaalot/apiserver/internal/services"
	"github.com/shaalot/apiserver/internal/storage"
	"github.com/shaalot/apiserver/internal/store"
	"github.com/sirupsen/logrus"
)

// App holds every collaborator, constructed once and shared by the HTTP
// server and the CLI commands.
type App struct {
	Config  config.Config
	DB      *sql.DB
	MQ      *mq.MQ
	Storage *storage.Storage
	Metrics *metrics.Metrics

	Levels        *services.LevelResolver
	Profiles      *services.ProfileService
	Notifications *services.NotificationService
	Audit         *services.AuditService
	Queries       *services.AuditQueryService

	closeOnce sync.Once
	closeErr  error
}

// NewApp connects the database, broker and object store and wires the
// services. The broker and object store are optional.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	progression, err := config.LoadProgression(cfg.Engine.ProgressionFile)
	if err != nil {
		return nil, err
	}
	levels, err := services.NewLevelResolver(progression.Levels)
	if err != nil {
		return nil, err
	}
	cal, err := calendar.NewLocal(cfg.Engine.Timezone)
	if err != nil {
		return nil, err
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, DB: dbConn, Metrics: metrics.New(), Levels: levels}

	if app.MQ, err = mq.Open(ctx, cfg.MQ); err != nil {
		_ = app.Close()
		return nil, err
	}
	if app.Storage, err = storage.Open(ctx, cfg.Storage); err != nil {
		_ = app.Close()
		return nil, err
	}

	opts := services.Options{
		OpTimeout:      cfg.Engine.OpTimeout,
		RetryAttempts:  cfg.Engine.RetryAttempts,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		Logger:         logging.Logger,
		Metrics:        app.Metrics,
	}

	profileRepo := store.NewProfileRepository(dbConn)
	actionRepo := store.NewActionLogRepository(dbConn)
	notificationRepo := store.NewNotificationRepository(dbConn)

	// A nil *mq.MQ must stay a nil interface, not a typed nil.
	var publisher services.Publisher
	if app.MQ != nil {
		publisher = app.MQ
	}
	var exports services.ObjectStore
	if app.Storage != nil {
		exports = app.Storage
	}

	app.Profiles = services.NewProfileService(profileRepo, levels, progression.Activity, opts)
	app.Notifications = services.NewNotificationService(notificationRepo, profileRepo, cal, publisher, cfg.MQ.NotificationChannel, opts)
	app.Audit = services.NewAuditService(actionRepo, levels, progression.Permissions, progression.FlowerPoints, cal, app.Notifications, opts)
	app.Queries = services.NewAuditQueryService(actionRepo, exports, cfg.Engine.DefaultQueryLimit, cfg.Engine.MaxQueryLimit, opts)

	logging.Logger.WithFields(logrus.Fields{
		"levels":   len(progression.Levels),
		"timezone": cal.Location().String(),
		"mq":       backendName(app.MQ != nil, cfg.MQ.Backend),
		"storage":  backendName(app.Storage != nil, cfg.Storage.Backend),
	}).Info("engine initialized")
	return app, nil
}

// SeedAdmins applies the configured seed administrator emails.
func (a *App) SeedAdmins(ctx context.Context) (services.SeedResult, error) {
	if len(a.Config.Engine.SeedAdminEmails) == 0 {
		return services.SeedResult{}, nil
	}
	result, err := a.Profiles.ApplySeedAdmins(ctx, a.Config.Engine.SeedAdminEmails)
	if err != nil {
		return result, fmt.Errorf("seed admins: %w", err)
	}
	return result, nil
}

// Close releases every connection the App opened. Later calls return the
// first result.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.MQ != nil {
			errs = append(errs, a.MQ.Close())
		}
		if a.DB != nil {
			errs = append(errs, a.DB.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func backendName(enabled bool, name string) string {
	if !enabled {
		return "disabled"
	}
	return name
}
