package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

type patchedLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound will be handled in application logic, let's not forward this to zap/sentry
func (l *patchedLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

func (l *patchedLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &patchedLogger{
		Logger: l.Logger.LogMode(level).(zapgorm2.Logger),
	}
}

// SerializableTx is used by reconcilers writing to PostgreSQL
var SerializableTx = &sql.TxOptions{
	Isolation: sql.LevelSerializable,
}

// Open returns a gorm handle over the dialector with zap logging attached.
// Foreign keys are not created during migrations: prices may arrive before their product.
func Open(logger *zap.Logger, dialector gorm.Dialector) (*gorm.DB, error) {
	gLogger := zapgorm2.New(logger)
	gLogger.LogLevel = gormlogger.Warn
	gLogger.SlowThreshold = time.Second

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: &patchedLogger{
			Logger: gLogger,
		},
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to database")
	}
	return db, nil
}

// New returns an instance for interacting with the PostgreSQL database
func New(logger *zap.Logger, uri string) (*gorm.DB, error) {
	db, err := Open(logger, postgres.Open(uri))
	if err != nil {
		return nil, err
	}
	pool, err := db.DB()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(1)
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}
