package mlog

// NilLogger discards everything. Useful as a default so components never
// need a nil check before logging.
type NilLogger struct{}

func (l *NilLogger) Info(args ...any)             {}
func (l *NilLogger) Infof(f string, args ...any)  {}
func (l *NilLogger) Infoln(args ...any)           {}
func (l *NilLogger) Error(args ...any)            {}
func (l *NilLogger) Errorf(f string, args ...any) {}
func (l *NilLogger) Errorln(args ...any)          {}
func (l *NilLogger) Warn(args ...any)             {}
func (l *NilLogger) Warnf(f string, args ...any)  {}
func (l *NilLogger) Warnln(args ...any)           {}
func (l *NilLogger) Debug(args ...any)            {}
func (l *NilLogger) Debugf(f string, args ...any) {}
func (l *NilLogger) Debugln(args ...any)          {}
func (l *NilLogger) Fatal(args ...any)            {}
func (l *NilLogger) Fatalf(f string, args ...any) {}
func (l *NilLogger) Fatalln(args ...any)          {}

func (l *NilLogger) WithFields(fields ...any) Logger { return l }
func (l *NilLogger) Sync() error                     { return nil }
