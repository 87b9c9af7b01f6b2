package mlog

import (
	"os"

	"go.uber.org/zap"
)

// ZapLogger adapts a zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	*zap.SugaredLogger
}

// InitializeLogger builds a production or development zap logger depending
// on ENV_NAME, matching the teacher's environment-driven bootstrap.
func InitializeLogger() *ZapLogger {
	var (
		logger *zap.Logger
		err    error
	)

	if os.Getenv("ENV_NAME") == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		logger = zap.NewNop()
	}

	return &ZapLogger{SugaredLogger: logger.Sugar()}
}

func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{SugaredLogger: l.SugaredLogger.With(fields...)}
}

func (l *ZapLogger) Infoln(args ...any)  { l.SugaredLogger.Info(args...) }
func (l *ZapLogger) Errorln(args ...any) { l.SugaredLogger.Error(args...) }
func (l *ZapLogger) Warnln(args ...any)  { l.SugaredLogger.Warn(args...) }
func (l *ZapLogger) Debugln(args ...any) { l.SugaredLogger.Debug(args...) }
func (l *ZapLogger) Fatalln(args ...any) { l.SugaredLogger.Fatal(args...) }

func (l *ZapLogger) Sync() error { return l.SugaredLogger.Sync() }
