package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// DefaultSlowQueryThreshold is used when Config.SlowQueryThreshold is zero.
// History loads and unread counts run on every connect, so anything slower
// than this shows up as connect latency.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// queryLogger routes GORM output through zap. Statements are reported by
// outcome: failures at error, slow statements at warn, everything else at
// debug when the level is gormlogger.Info.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel

	// slow is the duration above which a statement is reported. Zero or less
	// disables slow query reporting.
	slow time.Duration

	// notFoundAsError reports gorm.ErrRecordNotFound as a failure. Lookups of
	// unknown usernames and conversation names are routine, so this is off
	// unless explicitly configured.
	notFoundAsError bool
}

func newQueryLogger(log *zap.Logger, cfg Config) *queryLogger {
	level := cfg.LogLevel
	if level == 0 {
		level = gormlogger.Warn
	}

	slow := cfg.SlowQueryThreshold
	if slow == 0 {
		slow = DefaultSlowQueryThreshold
	}

	return &queryLogger{
		log:             log.Named("gorm").WithOptions(zap.AddCallerSkip(3)),
		level:           level,
		slow:            slow,
		notFoundAsError: cfg.LogNotFound,
	}
}

// LogMode returns a copy at the given level. db.Debug() relies on this.
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	l.emit(gormlogger.Info, zapcore.InfoLevel, msg, args)
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.emit(gormlogger.Warn, zapcore.WarnLevel, msg, args)
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.emit(gormlogger.Error, zapcore.ErrorLevel, msg, args)
}

func (l *queryLogger) emit(at gormlogger.LogLevel, lvl zapcore.Level, msg string, args []interface{}) {
	if l.level < at {
		return
	}
	if ce := l.log.Check(lvl, fmt.Sprintf(msg, args...)); ce != nil {
		ce.Write()
	}
}

// Trace reports one finished statement.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	fields := func() []zap.Field {
		sql, rows := fc()
		return []zap.Field{
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
			zap.String("caller", utils.FileWithLineNum()),
		}
	}

	if err != nil && (l.notFoundAsError || !errors.Is(err, gorm.ErrRecordNotFound)) {
		if l.level >= gormlogger.Error {
			l.log.Error("query failed", append(fields(), zap.Error(err))...)
		}
		return
	}

	if l.slow > 0 && elapsed > l.slow {
		if l.level >= gormlogger.Warn {
			l.log.Warn("slow query", append(fields(), zap.Duration("threshold", l.slow))...)
		}
		return
	}

	if l.level >= gormlogger.Info {
		l.log.Debug("query", fields()...)
	}
}
