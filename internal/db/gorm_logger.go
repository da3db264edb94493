package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/arencloud/kbadmin/internal/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 500 * time.Millisecond

// gormLogger forwards GORM output to the structured logger. Raw SQL is never
// logged, only the operation and table.
type gormLogger struct {
	l     logging.Logger
	level logger.LogLevel
}

func newGormLogger(l logging.Logger, lvl logger.LogLevel) *gormLogger {
	return &gormLogger{l: l.With("component", "gorm"), level: lvl}
}

func (g *gormLogger) LogMode(l logger.LogLevel) logger.Interface {
	return &gormLogger{l: g.l, level: l}
}

func (g *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Info {
		g.l.Info(msg, "args", data)
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Warn {
		g.l.Warn(msg, "args", data)
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Error {
		g.l.Error(msg, "args", data)
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	sql, rows := fc()
	dur := time.Since(begin)
	op, table := summarizeSQL(sql)
	fields := []any{"op", op, "table", table, "rows", rows, "durationMs", float64(dur) / 1e6}
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", append(fields, "notFound", true)...)
		}
	case err != nil:
		if g.level >= logger.Error {
			g.l.Error("gorm_sql", append(fields, "error", err.Error())...)
		}
	case dur > slowQuery:
		if g.level >= logger.Warn {
			g.l.Warn("gorm_slow_sql", fields...)
		}
	default:
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", fields...)
		}
	}
}

// summarizeSQL reduces a statement to its verb and target table, e.g. "SELECT", "users".
func summarizeSQL(sql string) (op string, table string) {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return "", ""
	}
	op = strings.ToUpper(words[0])
	var marker string
	switch op {
	case "UPDATE":
		marker = "UPDATE"
	case "INSERT", "REPLACE":
		marker = "INTO"
	default:
		marker = "FROM"
	}
	for i, w := range words {
		if strings.EqualFold(w, marker) && i+1 < len(words) {
			table = strings.Trim(words[i+1], "`\"()")
			break
		}
	}
	return op, strings.ToLower(table)
}
