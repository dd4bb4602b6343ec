package storage

import (
	"context"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"cdpfluent/internal/ctxkeys"
	"cdpfluent/internal/logger"
)

// GormLogger 将 GORM 日志转发到应用日志器
type GormLogger struct {
	log      logger.Logger
	LogLevel gormlogger.LogLevel
	Slow     time.Duration
}

// NewGormLogger 创建 GormLogger，默认只输出告警与错误
func NewGormLogger(l logger.Logger) *GormLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &GormLogger{log: l, LogLevel: gormlogger.Warn, Slow: time.Second}
}

// LogMode 返回指定级别的副本
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		l.log.Info(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		l.log.Warn(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		l.log.Error(msg, "traceId", ctxkeys.TraceID(ctx), "data", data)
	}
}

// Trace 记录 SQL；出错或慢查询按告警级别以上输出
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"traceId", ctxkeys.TraceID(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && err != gormlogger.ErrRecordNotFound && l.LogLevel >= gormlogger.Error:
		l.log.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > l.Slow && l.LogLevel >= gormlogger.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", l.Slow.String())...)
	case l.LogLevel == gormlogger.Info:
		l.log.Debug("SQL执行", fields...)
	}
}
