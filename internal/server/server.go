package server

import (
	"context"
	"fmt"
	"time"

	kratoshttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/sirupsen/logrus"
	swaggerUI "github.com/tx7do/kratos-swagger-ui"

	_ "github.com/go-tangra/go-tangra-audit/internal/codec"
	"github.com/go-tangra/go-tangra-audit/internal/config"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// NewHTTPServer builds the report API server with API-secret middleware,
// routes and, when openApiData is set, Swagger UI.
func NewHTTPServer(cfg *config.Config, db *store.Store, openApiData []byte, log *logrus.Entry) *kratoshttp.Server {
	srv := kratoshttp.NewServer(
		kratoshttp.Address(cfg.HTTPListen),
		kratoshttp.Middleware(
			AccessLogMiddleware(log),
			ApiSecretMiddleware(cfg.ApiSecret),
		),
	)
	NewHandler(db, log).Register(srv)

	// Swagger UI (registered via HandlePrefix, bypasses middleware chain).
	if cfg.EnableSwagger && len(openApiData) > 0 {
		swaggerUI.RegisterSwaggerUIServerWithOption(
			srv,
			swaggerUI.WithTitle("Audit Report API"),
			swaggerUI.WithMemoryData(openApiData, "yaml"),
		)
		log.Infof("Swagger UI available at http://%s/docs/", cfg.HTTPListen)
	}
	return srv
}

// Run serves the report API and blocks until the context is cancelled.
func Run(ctx context.Context, cfg *config.Config, db *store.Store, openApiData []byte, log *logrus.Entry) error {
	srv := NewHTTPServer(cfg, db, openApiData, log)

	if cfg.RetentionDays > 0 {
		go runPurgeLoop(ctx, db, cfg.RetentionDays, cfg.PurgeInterval, log)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ctx)
	}()

	log.Infof("Audit report API listening on %s (db: %s)", cfg.HTTPListen, cfg.DatabasePath)
	if cfg.RetentionDays > 0 {
		log.Infof("Retention: %d days, purge interval: %s", cfg.RetentionDays, cfg.PurgeInterval)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(stopCtx)
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// runPurgeLoop drops finished sessions past the retention window. Snapshots
// are permanent here; only the operator's purge --snapshots deletes them.
func runPurgeLoop(ctx context.Context, db *store.Store, retentionDays int, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeExpired(ctx, db, retention, log)
		}
	}
}

func purgeExpired(ctx context.Context, db *store.Store, retention time.Duration, log *logrus.Entry) {
	n, err := db.Purge(ctx, retention)
	if err != nil {
		log.WithError(err).Error("purge sessions failed")
		return
	}
	if n > 0 {
		log.WithFields(logrus.Fields{
			"sessions":  n,
			"retention": retention.String(),
		}).Info("purged expired sessions")
	}
}
