package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"

	"github.com/socialpulse/trackerd/internal/logging"
)

// gormLogrusLogger implements gorm's logger.Interface using logrus,
// grounded on the teacher's pkg/db/logger.go.
type gormLogrusLogger struct {
	logger        *logrus.Logger
	slowThreshold time.Duration
}

func newGormLogrusLogger(base *logrus.Logger) *gormLogrusLogger {
	if _, ok := base.Formatter.(*logging.ColoredJSONFormatter); !ok {
		base.SetFormatter(logging.NewColoredJSONFormatter())
	}
	return &gormLogrusLogger{logger: base, slowThreshold: 200 * time.Millisecond}
}

func (l *gormLogrusLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *gormLogrusLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithFields(logrus.Fields{"source": "gorm"}).Debugf(msg, args...)
}

func (l *gormLogrusLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithFields(logrus.Fields{"source": "gorm"}).Warnf(msg, args...)
}

func (l *gormLogrusLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WithContext(ctx).WithFields(logrus.Fields{"source": "gorm"}).Errorf(msg, args...)
}

func (l *gormLogrusLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := logrus.Fields{
		"source": "gorm", "elapsed": elapsed, "rows": rows, "sql": sql,
	}

	if err != nil {
		fields["error"] = err
		l.logger.WithContext(ctx).WithFields(fields).Error("database query failed")
		return
	}
	if elapsed > l.slowThreshold {
		l.logger.WithContext(ctx).WithFields(fields).Warn("slow query detected")
		return
	}
	l.logger.WithContext(ctx).WithFields(fields).Debug("database query executed")
}
