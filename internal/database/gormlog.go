package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQuery 超过该耗时的语句记 warn
const slowQuery = 500 * time.Millisecond

// gormLog 把 GORM 的日志转到 zap，未找到记录不算错误
type gormLog struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newGormLog(l *zap.Logger, level string) *gormLog {
	return &gormLog{log: l.WithOptions(zap.AddCallerSkip(3)), level: gormLevel(level)}
}

func gormLevel(s string) gormlogger.LogLevel {
	switch s {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func (g *gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLog) Info(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Warn(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Error(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level == gormlogger.Silent {
		return
	}
	took := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)

	var (
		lvl = zap.DebugLevel
		msg = "sql"
	)
	switch {
	case failed && g.level >= gormlogger.Error:
		lvl, msg = zap.ErrorLevel, "sql_failed"
	case took > slowQuery && g.level >= gormlogger.Warn:
		lvl, msg = zap.WarnLevel, "sql_slow"
	case g.level < gormlogger.Info:
		return
	}

	if ce := g.log.Check(lvl, msg); ce != nil {
		query, rows := fc()
		ce.Write(zap.String("sql", query), zap.Int64("rows", rows), zap.Duration("took", took), zap.Error(err))
	}
}
