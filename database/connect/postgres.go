// Package connect opens the database handle used by the repository.
package connect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/config"
)

// DSN builds the lib/pq connection string from cfg.
func DSN(cfg *config.Config) string {
	sslmode := cfg.DBSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslmode,
	)
}

// ConnectPostgres opens and pings Postgres, retrying with exponential backoff
// for up to maxWait.
func ConnectPostgres(ctx context.Context, log *zap.Logger, cfg *config.Config, maxWait time.Duration) (*sql.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	attempt := 0
	db, err := backoff.RetryNotifyWithData(func() (*sql.DB, error) {
		attempt++
		log.Info("Attempting database connection", zap.Int("attempt", attempt))
		db, err := sql.Open("postgres", DSN(cfg))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("Database ping failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}

	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)
	}
	log.Info("Database connection established")
	return db, nil
}
